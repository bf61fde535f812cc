package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"questline/internal/domain"
	"questline/internal/events"
	"questline/internal/repo"
)

// LeafPath addresses the leaf being completed. TaskID is always set.
// QuestID names the owning quest member for tasks nested in a mission
// quest instance; it is empty for tasks in a standalone quest
// assignment and for mission task instances.
type LeafPath struct {
	QuestID string
	TaskID  string
}

// CascadeResult reports which awards actually fired, so duplicate
// completion calls are observable as no-ops.
type CascadeResult struct {
	LeafAwarded        bool     `json:"leaf_awarded"`
	ContainerCompleted bool     `json:"container_completed"`
	ContainerAwarded   bool     `json:"container_awarded"`
	ParentCompleted    bool     `json:"parent_completed"`
	ParentAwarded      bool     `json:"parent_awarded"`
	PointsAwarded      int      `json:"points_awarded"`
	Unlocked           []string `json:"unlocked,omitempty"`
}

// CompleteLeaf marks one leaf task completed and cascades upward:
// quest bonus when its last task completes, mission reward when its
// last member completes, then unlock propagation over the mission's
// locked members. Completing an already-completed leaf is a no-op
// result; completing a leaf in a locked member is rejected. Status
// writes and point awards commit in one transaction.
func (e Engine) CompleteLeaf(ctx context.Context, userID, assignmentID string, path LeafPath) (CascadeResult, error) {
	if path.TaskID == "" {
		return CascadeResult{}, fmt.Errorf("task id is required")
	}
	var res CascadeResult
	err := e.withRetry(ctx, func(tx *sql.Tx) error {
		res = CascadeResult{}
		a, err := e.Repo.GetAssignmentTx(ctx, tx, userID, assignmentID)
		if err != nil {
			return err
		}
		switch a.Type {
		case domain.KindQuest:
			return e.completeQuestLeaf(ctx, tx, a, path, &res)
		case domain.KindMission:
			return e.completeMissionLeaf(ctx, tx, a, path, &res)
		default:
			return fmt.Errorf("%w: standalone tasks complete through submit and approve", ErrInvalidTransition)
		}
	})
	return res, err
}

// completeQuestLeaf handles a task inside a standalone quest
// assignment. The quest itself is the container; there is no parent.
func (e Engine) completeQuestLeaf(ctx context.Context, tx *sql.Tx, a domain.Assignment, path LeafPath, res *CascadeResult) error {
	if path.QuestID != "" {
		return fmt.Errorf("quest path %s not valid for a quest assignment: %w", path.QuestID, repo.ErrNotFound)
	}
	q, err := e.Repo.GetQuestTemplate(ctx, a.TemplateID)
	if err != nil {
		return err
	}
	task, ok := questTask(q.Tasks, path.TaskID)
	if !ok {
		return fmt.Errorf("task %s not in quest %s: %w", path.TaskID, q.ID, repo.ErrNotFound)
	}
	if a.TaskStatus[path.TaskID] == domain.LeafCompleted {
		return nil
	}
	if a.Status != domain.StatusActive {
		return transitionError(a.Status, domain.StatusCompleted)
	}

	if a.TaskStatus == nil {
		a.TaskStatus = map[string]string{}
	}
	a.TaskStatus[path.TaskID] = domain.LeafCompleted
	res.LeafAwarded = true
	res.PointsAwarded += task.Points
	if err := e.Events.Append(ctx, tx, "task_completed", a.UserID, path.TaskID,
		fmt.Sprintf("%s completed %s in %s", a.UserID, task.Name, q.Name),
		events.EventPayload{"assignment_id": a.ID, "quest": q.ID}); err != nil {
		return err
	}
	if err := e.award(ctx, tx, a.UserID, path.TaskID, task.Points); err != nil {
		return err
	}

	now := e.now().UTC().Format(time.RFC3339)
	if questTasksDone(q.Tasks, a.TaskStatus) {
		a.Status = domain.StatusCompleted
		a.CompletedAt = &now
		res.ContainerCompleted = true
		res.ContainerAwarded = true
		res.PointsAwarded += q.CompletionBonusPoints
		if err := e.Events.Append(ctx, tx, "quest_completed", a.UserID, q.ID,
			fmt.Sprintf("%s completed quest %s", a.UserID, q.Name),
			events.EventPayload{"assignment_id": a.ID, "bonus": q.CompletionBonusPoints}); err != nil {
			return err
		}
		if err := e.award(ctx, tx, a.UserID, q.ID, q.CompletionBonusPoints); err != nil {
			return err
		}
	}
	a.UpdatedAt = now
	return e.Repo.UpdateAssignment(ctx, tx, a, a.Version)
}

// completeMissionLeaf handles both leaf shapes a mission holds: a task
// inside a quest instance (path.QuestID set) and a standalone task
// instance. The eligibility check goes through the resolver, so a leaf
// in a locked member is rejected even if its own status is pending.
func (e Engine) completeMissionLeaf(ctx context.Context, tx *sql.Tx, a domain.Assignment, path LeafPath, res *CascadeResult) error {
	m, err := e.Repo.GetMissionTemplate(ctx, a.TemplateID)
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)

	if path.QuestID != "" {
		qi, ok := a.QuestInstances[path.QuestID]
		if !ok {
			return fmt.Errorf("quest %s not in mission assignment %s: %w", path.QuestID, a.ID, repo.ErrNotFound)
		}
		q, err := e.Repo.GetQuestTemplate(ctx, path.QuestID)
		if err != nil {
			return err
		}
		task, ok := questTask(q.Tasks, path.TaskID)
		if !ok {
			return fmt.Errorf("task %s not in quest %s: %w", path.TaskID, q.ID, repo.ErrNotFound)
		}
		if qi.TaskStatus[path.TaskID] == domain.LeafCompleted {
			return nil
		}
		if a.Status != domain.StatusActive {
			return transitionError(a.Status, domain.StatusCompleted)
		}
		if st := ResolveMember(path.QuestID, m, a); st != domain.MemberActive {
			return fmt.Errorf("%w: quest %s is %s", ErrInvalidTransition, path.QuestID, st)
		}

		if qi.TaskStatus == nil {
			qi.TaskStatus = map[string]string{}
		}
		qi.TaskStatus[path.TaskID] = domain.LeafCompleted
		res.LeafAwarded = true
		res.PointsAwarded += task.Points
		if err := e.Events.Append(ctx, tx, "task_completed", a.UserID, path.TaskID,
			fmt.Sprintf("%s completed %s in %s", a.UserID, task.Name, q.Name),
			events.EventPayload{"assignment_id": a.ID, "mission": m.ID, "quest": q.ID}); err != nil {
			return err
		}
		if err := e.award(ctx, tx, a.UserID, path.TaskID, task.Points); err != nil {
			return err
		}

		if qi.Status != domain.MemberCompleted && questTasksDone(q.Tasks, qi.TaskStatus) {
			qi.Status = domain.MemberCompleted
			res.ContainerCompleted = true
			res.ContainerAwarded = true
			res.PointsAwarded += q.CompletionBonusPoints
			if err := e.Events.Append(ctx, tx, "quest_completed", a.UserID, q.ID,
				fmt.Sprintf("%s completed quest %s", a.UserID, q.Name),
				events.EventPayload{"assignment_id": a.ID, "mission": m.ID, "bonus": q.CompletionBonusPoints}); err != nil {
				return err
			}
			if err := e.award(ctx, tx, a.UserID, q.ID, q.CompletionBonusPoints); err != nil {
				return err
			}
		}
		a.QuestInstances[path.QuestID] = qi

		if res.ContainerCompleted {
			done, err := e.completeMissionIfDone(ctx, tx, m, &a, now)
			if err != nil {
				return err
			}
			if done {
				res.ParentCompleted = true
				res.ParentAwarded = true
				res.PointsAwarded += m.CompletionReward.Points
			}
		}
	} else {
		ti, ok := a.TaskInstances[path.TaskID]
		if !ok {
			return fmt.Errorf("task %s not in mission assignment %s: %w", path.TaskID, a.ID, repo.ErrNotFound)
		}
		t, err := e.Repo.GetTaskTemplate(ctx, path.TaskID)
		if err != nil {
			return err
		}
		if ti.Status == domain.MemberCompleted {
			return nil
		}
		if a.Status != domain.StatusActive {
			return transitionError(a.Status, domain.StatusCompleted)
		}
		if st := ResolveMember(path.TaskID, m, a); st != domain.MemberActive {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, path.TaskID, st)
		}

		ti.Status = domain.MemberCompleted
		a.TaskInstances[path.TaskID] = ti
		res.LeafAwarded = true
		res.PointsAwarded += t.Points
		if err := e.Events.Append(ctx, tx, "task_completed", a.UserID, path.TaskID,
			fmt.Sprintf("%s completed %s", a.UserID, t.Name),
			events.EventPayload{"assignment_id": a.ID, "mission": m.ID}); err != nil {
			return err
		}
		if err := e.award(ctx, tx, a.UserID, path.TaskID, t.Points); err != nil {
			return err
		}

		done, err := e.completeMissionIfDone(ctx, tx, m, &a, now)
		if err != nil {
			return err
		}
		if done {
			res.ContainerCompleted = true
			res.ContainerAwarded = true
			res.PointsAwarded += m.CompletionReward.Points
		}
	}

	unlocked, err := e.propagateUnlocks(ctx, tx, m, &a)
	if err != nil {
		return err
	}
	res.Unlocked = unlocked

	a.UpdatedAt = now
	return e.Repo.UpdateAssignment(ctx, tx, a, a.Version)
}

// completeMissionIfDone flips the mission assignment to completed and
// awards its reward when every declared member is completed. The status
// guard keeps the reward from firing twice.
func (e Engine) completeMissionIfDone(ctx context.Context, tx *sql.Tx, m domain.MissionTemplate, a *domain.Assignment, now string) (bool, error) {
	if a.Status == domain.StatusCompleted || !missionMembersDone(m, *a) {
		return false, nil
	}
	a.Status = domain.StatusCompleted
	a.CompletedAt = &now
	if err := e.Events.Append(ctx, tx, "mission_completed", a.UserID, m.ID,
		fmt.Sprintf("%s completed mission %s", a.UserID, m.Name),
		events.EventPayload{"assignment_id": a.ID, "reward": m.CompletionReward.Points}); err != nil {
		return false, err
	}
	if err := e.award(ctx, tx, a.UserID, m.ID, m.CompletionReward.Points); err != nil {
		return false, err
	}
	return true, nil
}

// propagateUnlocks re-resolves every locked member and flips the ones
// whose prerequisites are now all completed. It only ever moves
// locked -> active, so running it again is a no-op.
func (e Engine) propagateUnlocks(ctx context.Context, tx *sql.Tx, m domain.MissionTemplate, a *domain.Assignment) ([]string, error) {
	var unlocked []string
	for _, qid := range m.ContainsQuests {
		qi, ok := a.QuestInstances[qid]
		if !ok || qi.Status != domain.MemberLocked {
			continue
		}
		if ResolveMember(qid, m, *a) == domain.MemberActive {
			qi.Status = domain.MemberActive
			a.QuestInstances[qid] = qi
			unlocked = append(unlocked, qid)
		}
	}
	for _, tid := range m.ContainsTasks {
		ti, ok := a.TaskInstances[tid]
		if !ok || ti.Status != domain.MemberLocked {
			continue
		}
		if ResolveMember(tid, m, *a) == domain.MemberActive {
			ti.Status = domain.MemberActive
			a.TaskInstances[tid] = ti
			unlocked = append(unlocked, tid)
		}
	}
	for _, id := range unlocked {
		if err := e.Events.Append(ctx, tx, "item_unlocked", a.UserID, id,
			fmt.Sprintf("%s unlocked in %s", id, m.Name),
			events.EventPayload{"assignment_id": a.ID, "mission": m.ID}); err != nil {
			return nil, err
		}
	}
	return unlocked, nil
}

// RefreshLocks re-runs unlock propagation for a mission assignment.
// Safe to call redundantly; when nothing changes, nothing is written.
func (e Engine) RefreshLocks(ctx context.Context, userID, assignmentID string) ([]string, error) {
	var unlocked []string
	err := e.withRetry(ctx, func(tx *sql.Tx) error {
		unlocked = nil
		a, err := e.Repo.GetAssignmentTx(ctx, tx, userID, assignmentID)
		if err != nil {
			return err
		}
		if a.Type != domain.KindMission {
			return fmt.Errorf("%w: refresh-locks applies to mission assignments", ErrInvalidTransition)
		}
		m, err := e.Repo.GetMissionTemplate(ctx, a.TemplateID)
		if err != nil {
			return err
		}
		unlocked, err = e.propagateUnlocks(ctx, tx, m, &a)
		if err != nil {
			return err
		}
		if len(unlocked) == 0 {
			return nil
		}
		a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		return e.Repo.UpdateAssignment(ctx, tx, a, a.Version)
	})
	return unlocked, err
}

func questTask(tasks []domain.QuestTask, id string) (domain.QuestTask, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.QuestTask{}, false
}
