package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"questline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an assignment write loses the
	// optimistic version check against a concurrent writer.
	ErrConflict = errors.New("write conflict")
)

// --- users ---

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	if u.CreatedAt == "" {
		u.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(username,display_name,role,timezone,created_at) VALUES (?,?,?,?,?)`,
		u.Username, nullable(u.DisplayName), u.Role, nullable(u.Timezone), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, username string) (domain.User, error) {
	var u domain.User
	var display, tz sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT username,display_name,role,timezone,created_at FROM users WHERE username=?`, username).
		Scan(&u.Username, &display, &u.Role, &tz, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if display.Valid {
		u.DisplayName = display.String
	}
	if tz.Valid {
		u.Timezone = tz.String
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT username,COALESCE(display_name,''),role,COALESCE(timezone,''),created_at FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.Username, &u.DisplayName, &u.Role, &u.Timezone, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// --- templates ---

func (r Repo) UpsertTemplate(ctx context.Context, tx *sql.Tx, kind, id string, doc any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s template %s: %w", kind, id, err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO templates(kind,id,doc_json,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(kind,id) DO UPDATE SET doc_json=excluded.doc_json, updated_at=excluded.updated_at`,
		kind, id, string(payload), now, now)
	return err
}

func (r Repo) getTemplateDoc(ctx context.Context, kind, id string, out any) error {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT doc_json FROM templates WHERE kind=? AND id=?`, kind, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(payload), out)
}

func (r Repo) GetTaskTemplate(ctx context.Context, id string) (domain.TaskTemplate, error) {
	var t domain.TaskTemplate
	if err := r.getTemplateDoc(ctx, domain.KindTask, id, &t); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) GetQuestTemplate(ctx context.Context, id string) (domain.QuestTemplate, error) {
	var q domain.QuestTemplate
	if err := r.getTemplateDoc(ctx, domain.KindQuest, id, &q); err != nil {
		return q, err
	}
	return q, nil
}

func (r Repo) GetMissionTemplate(ctx context.Context, id string) (domain.MissionTemplate, error) {
	var m domain.MissionTemplate
	if err := r.getTemplateDoc(ctx, domain.KindMission, id, &m); err != nil {
		return m, err
	}
	return m, nil
}

// GetTemplateRaw returns the stored document for comparison on import.
func (r Repo) GetTemplateRaw(ctx context.Context, kind, id string) (json.RawMessage, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT doc_json FROM templates WHERE kind=? AND id=?`, kind, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

// ListTemplates returns id -> document for one kind.
func (r Repo) ListTemplates(ctx context.Context, kind string) (map[string]json.RawMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,doc_json FROM templates WHERE kind=? ORDER BY id ASC`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]json.RawMessage{}
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		res[id] = json.RawMessage(payload)
	}
	return res, rows.Err()
}

// TemplateReferenced reports whether any assignment instantiates the
// template. Referenced templates are immutable on import.
func (r Repo) TemplateReferenced(ctx context.Context, kind, id string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM assignments WHERE type=? AND template_id=? LIMIT 1`, kind, id)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- assignments ---

// assignmentState is the nested instance state stored as state_json.
// The shape round-trips exactly: maps are keyed by template member ID.
type assignmentState struct {
	TaskStatus     map[string]string               `json:"task_status,omitempty"`
	QuestInstances map[string]domain.QuestInstance `json:"quest_instances,omitempty"`
	TaskInstances  map[string]domain.TaskInstance  `json:"task_instances,omitempty"`
}

func marshalState(a domain.Assignment) (string, error) {
	b, err := json.Marshal(assignmentState{
		TaskStatus:     a.TaskStatus,
		QuestInstances: a.QuestInstances,
		TaskInstances:  a.TaskInstances,
	})
	if err != nil {
		return "", fmt.Errorf("marshal assignment state: %w", err)
	}
	return string(b), nil
}

func applyState(a *domain.Assignment, payload string) error {
	var st assignmentState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return fmt.Errorf("unmarshal assignment state: %w", err)
	}
	a.TaskStatus = st.TaskStatus
	a.QuestInstances = st.QuestInstances
	a.TaskInstances = st.TaskInstances
	return nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	state, err := marshalState(a)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO assignments(user_id,id,type,template_id,status,assigned_by,state_json,version,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,1,?,?,?)`,
		a.UserID, a.ID, a.Type, a.TemplateID, a.Status, nullable(a.AssignedBy), state, a.CreatedAt, a.UpdatedAt, nullableStringPtr(a.CompletedAt))
	return err
}

const assignmentColumns = `user_id,id,type,template_id,status,assigned_by,state_json,version,created_at,updated_at,completed_at`

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var assignedBy, completedAt sql.NullString
	var state string
	err := scan(&a.UserID, &a.ID, &a.Type, &a.TemplateID, &a.Status, &assignedBy, &state, &a.Version, &a.CreatedAt, &a.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if assignedBy.Valid {
		a.AssignedBy = assignedBy.String
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	if err := applyState(&a, state); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) GetAssignment(ctx context.Context, userID, id string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE user_id=? AND id=?`, userID, id)
	return scanAssignment(row.Scan)
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, userID, id string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE user_id=? AND id=?`, userID, id)
	return scanAssignment(row.Scan)
}

type AssignmentFilters struct {
	UserID string
	Status string
	Type   string
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateAssignment writes the assignment back guarded by the version it
// was read at. A concurrent writer bumps the version first and this
// write affects zero rows; that surfaces as ErrConflict so the caller
// can re-read and retry.
func (r Repo) UpdateAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment, expectedVersion int64) error {
	state, err := marshalState(a)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, state_json=?, version=version+1, updated_at=?, completed_at=?
WHERE user_id=? AND id=? AND version=?`,
		a.Status, state, a.UpdatedAt, nullableStringPtr(a.CompletedAt), a.UserID, a.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// --- points ledger ---

func (r Repo) GetPoints(ctx context.Context, userID string) (int, error) {
	var total int
	err := r.DB.QueryRowContext(ctx, `SELECT total FROM points WHERE user_id=?`, userID).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return total, err
}

// AddPoints applies a non-negative delta to the user's running total
// inside the caller's transaction. Zero is a legal no-op write.
func (r Repo) AddPoints(ctx context.Context, tx *sql.Tx, userID string, delta int) error {
	if delta < 0 {
		return fmt.Errorf("point delta must be >= 0, got %d", delta)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO points(user_id,total) VALUES (?,?)
ON CONFLICT(user_id) DO UPDATE SET total = total + excluded.total`, userID, delta)
	return err
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, userID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if userID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, userID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,user_id,affected_item,message,payload_json FROM events `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var item, msg, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.UserID, &item, &msg, &payload); err != nil {
			return nil, err
		}
		if item.Valid {
			e.AffectedItem = item.String
		}
		if msg.Valid {
			e.Message = msg.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
