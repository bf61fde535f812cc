package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"questline/internal/domain"
	"questline/internal/events"
	"questline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// conflictRetries bounds how often a read-modify-write is replayed
// after losing the version check to a concurrent writer.
const conflictRetries = 3

// withRetry runs fn inside a transaction and replays it on ErrConflict,
// re-reading fresh state each attempt. Any other error is surfaced
// immediately; after the last attempt the conflict is surfaced too.
func (e Engine) withRetry(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 20 * time.Millisecond)
		}
		var tx *sql.Tx
		tx, err = e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err = fn(tx); err == nil {
			if err = tx.Commit(); err == nil {
				return nil
			}
		} else {
			tx.Rollback()
		}
		if !errors.Is(err, repo.ErrConflict) {
			return err
		}
	}
	return err
}

// AssignOptions are parameters for creating an assignment.
type AssignOptions struct {
	ID         string
	UserID     string
	Kind       string
	TemplateID string
	AssignedBy string
}

// Assign instantiates a template for a user. The assignment starts in
// pending_acceptance; quest assignments are seeded with a pending
// task_status map, mission instance maps are materialized on accept.
func (e Engine) Assign(ctx context.Context, opts AssignOptions) (domain.Assignment, error) {
	if opts.UserID == "" {
		return domain.Assignment{}, errors.New("user is required")
	}
	if opts.TemplateID == "" {
		return domain.Assignment{}, errors.New("template is required")
	}
	if _, err := e.Repo.GetUser(ctx, opts.UserID); err != nil {
		return domain.Assignment{}, err
	}

	a := domain.Assignment{
		ID:         opts.ID,
		UserID:     opts.UserID,
		Type:       opts.Kind,
		TemplateID: opts.TemplateID,
		Status:     domain.StatusPendingAcceptance,
		AssignedBy: opts.AssignedBy,
	}
	var name string
	switch opts.Kind {
	case domain.KindTask:
		t, err := e.Repo.GetTaskTemplate(ctx, opts.TemplateID)
		if err != nil {
			return domain.Assignment{}, err
		}
		name = t.Name
	case domain.KindQuest:
		q, err := e.Repo.GetQuestTemplate(ctx, opts.TemplateID)
		if err != nil {
			return domain.Assignment{}, err
		}
		name = q.Name
		a.TaskStatus = map[string]string{}
		for _, t := range q.Tasks {
			a.TaskStatus[t.ID] = domain.LeafPending
		}
	case domain.KindMission:
		m, err := e.Repo.GetMissionTemplate(ctx, opts.TemplateID)
		if err != nil {
			return domain.Assignment{}, err
		}
		name = m.Name
	default:
		return domain.Assignment{}, fmt.Errorf("unknown assignment kind %q", opts.Kind)
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	a.CreatedAt = now
	a.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, a.Type+"_assigned", a.UserID, a.TemplateID,
		fmt.Sprintf("%s assigned to %s", name, a.UserID),
		events.EventPayload{"assignment_id": a.ID, "assigned_by": opts.AssignedBy}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	a.Version = 1
	return a, nil
}

// Accept moves pending_acceptance -> active. For missions this
// materializes the instance maps: every quest member gets a pending
// task_status map, and each member's initial status comes from the
// resolver, so members without prerequisites start active.
func (e Engine) Accept(ctx context.Context, userID, id string) (domain.Assignment, error) {
	var out domain.Assignment
	err := e.withRetry(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetAssignmentTx(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if err := ensureTransition(a.Status, domain.StatusActive); err != nil {
			return err
		}
		if a.Type == domain.KindMission {
			m, err := e.Repo.GetMissionTemplate(ctx, a.TemplateID)
			if err != nil {
				return err
			}
			a.QuestInstances = map[string]domain.QuestInstance{}
			a.TaskInstances = map[string]domain.TaskInstance{}
			for _, qid := range m.ContainsQuests {
				q, err := e.Repo.GetQuestTemplate(ctx, qid)
				if err != nil {
					return err
				}
				ts := map[string]string{}
				for _, t := range q.Tasks {
					ts[t.ID] = domain.LeafPending
				}
				a.QuestInstances[qid] = domain.QuestInstance{Status: domain.MemberLocked, TaskStatus: ts}
			}
			for _, tid := range m.ContainsTasks {
				if _, err := e.Repo.GetTaskTemplate(ctx, tid); err != nil {
					return err
				}
				a.TaskInstances[tid] = domain.TaskInstance{Status: domain.MemberLocked}
			}
			for _, qid := range m.ContainsQuests {
				qi := a.QuestInstances[qid]
				qi.Status = ResolveMember(qid, m, a)
				a.QuestInstances[qid] = qi
			}
			for _, tid := range m.ContainsTasks {
				ti := a.TaskInstances[tid]
				ti.Status = ResolveMember(tid, m, a)
				a.TaskInstances[tid] = ti
			}
		}
		a.Status = domain.StatusActive
		a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateAssignment(ctx, tx, a, a.Version); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, a.Type+"_accepted", a.UserID, a.TemplateID,
			fmt.Sprintf("%s accepted %s", a.UserID, a.TemplateID),
			events.EventPayload{"assignment_id": a.ID}); err != nil {
			return err
		}
		a.Version++
		out = a
		return nil
	})
	return out, err
}

// Decline moves pending_acceptance -> declined. Terminal.
func (e Engine) Decline(ctx context.Context, userID, id string) (domain.Assignment, error) {
	var out domain.Assignment
	err := e.withRetry(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetAssignmentTx(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if err := ensureTransition(a.Status, domain.StatusDeclined); err != nil {
			return err
		}
		a.Status = domain.StatusDeclined
		a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateAssignment(ctx, tx, a, a.Version); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, a.Type+"_declined", a.UserID, a.TemplateID,
			fmt.Sprintf("%s declined %s", a.UserID, a.TemplateID),
			events.EventPayload{"assignment_id": a.ID}); err != nil {
			return err
		}
		a.Version++
		out = a
		return nil
	})
	return out, err
}

// Submit moves active -> awaiting_approval. Standalone tasks only:
// quest and mission completion is derived from their members, never
// submitted for review.
func (e Engine) Submit(ctx context.Context, userID, id string) (domain.Assignment, error) {
	var out domain.Assignment
	err := e.withRetry(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetAssignmentTx(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if a.Type != domain.KindTask {
			return fmt.Errorf("%w: %s assignments are not submitted; completion is derived", ErrInvalidTransition, a.Type)
		}
		if err := ensureTransition(a.Status, domain.StatusAwaitingApproval); err != nil {
			return err
		}
		a.Status = domain.StatusAwaitingApproval
		a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateAssignment(ctx, tx, a, a.Version); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "task_submitted", a.UserID, a.TemplateID,
			fmt.Sprintf("%s submitted %s for approval", a.UserID, a.TemplateID),
			events.EventPayload{"assignment_id": a.ID}); err != nil {
			return err
		}
		a.Version++
		out = a
		return nil
	})
	return out, err
}

// Approve moves awaiting_approval -> completed and awards the task's
// points. The transition check makes the award fire at most once: a
// completed task can never re-enter awaiting_approval.
func (e Engine) Approve(ctx context.Context, userID, id, approvedBy string) (domain.Assignment, error) {
	var out domain.Assignment
	err := e.withRetry(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetAssignmentTx(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if a.Type != domain.KindTask {
			return fmt.Errorf("%w: %s assignments are not approved; completion is derived", ErrInvalidTransition, a.Type)
		}
		if err := ensureTransition(a.Status, domain.StatusCompleted); err != nil {
			return err
		}
		t, err := e.Repo.GetTaskTemplate(ctx, a.TemplateID)
		if err != nil {
			return err
		}
		now := e.now().UTC().Format(time.RFC3339)
		a.Status = domain.StatusCompleted
		a.UpdatedAt = now
		a.CompletedAt = &now
		if err := e.Repo.UpdateAssignment(ctx, tx, a, a.Version); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "task_approved", a.UserID, a.TemplateID,
			fmt.Sprintf("%s approved %s for %s", approvedBy, a.TemplateID, a.UserID),
			events.EventPayload{"assignment_id": a.ID, "approved_by": approvedBy}); err != nil {
			return err
		}
		if err := e.award(ctx, tx, a.UserID, a.TemplateID, t.Points); err != nil {
			return err
		}
		a.Version++
		out = a
		return nil
	})
	return out, err
}

// Reject moves awaiting_approval -> active, the one legal backward
// transition. Nothing has been awarded on this path yet, so rejection
// touches no points; the ledger is append-only.
func (e Engine) Reject(ctx context.Context, userID, id, rejectedBy string) (domain.Assignment, error) {
	var out domain.Assignment
	err := e.withRetry(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetAssignmentTx(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if a.Type != domain.KindTask {
			return fmt.Errorf("%w: %s assignments are not rejected; completion is derived", ErrInvalidTransition, a.Type)
		}
		if a.Status != domain.StatusAwaitingApproval {
			return transitionError(a.Status, domain.StatusActive)
		}
		a.Status = domain.StatusActive
		a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateAssignment(ctx, tx, a, a.Version); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "task_rejected", a.UserID, a.TemplateID,
			fmt.Sprintf("%s rejected %s for %s", rejectedBy, a.TemplateID, a.UserID),
			events.EventPayload{"assignment_id": a.ID, "rejected_by": rejectedBy}); err != nil {
			return err
		}
		a.Version++
		out = a
		return nil
	})
	return out, err
}

// award adds n points (n >= 0) to the user's total inside the caller's
// transaction. Zero is a legal no-op and is not logged.
func (e Engine) award(ctx context.Context, tx *sql.Tx, userID, item string, n int) error {
	if err := e.Repo.AddPoints(ctx, tx, userID, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return e.Events.Append(ctx, tx, "points_awarded", userID, item,
		fmt.Sprintf("%s earned %d points for %s", userID, n, item),
		events.EventPayload{"points": n})
}
