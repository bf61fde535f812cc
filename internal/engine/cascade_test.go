package engine_test

import (
	"errors"
	"testing"

	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/repo"
)

func acceptMission(t *testing.T, env testEnv, user, template string) domain.Assignment {
	t.Helper()
	a, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		UserID: user, Kind: domain.KindMission, TemplateID: template, AssignedBy: "jordan",
	})
	if err != nil {
		t.Fatalf("assign mission: %v", err)
	}
	a, err = env.Engine.Accept(env.Ctx, user, a.ID)
	if err != nil {
		t.Fatalf("accept mission: %v", err)
	}
	return a
}

func TestQuestCascade(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		UserID: "casey", Kind: domain.KindQuest, TemplateID: "q1", AssignedBy: "jordan",
	})
	if _, err := env.Engine.Accept(env.Ctx, "casey", a.ID); err != nil {
		t.Fatal(err)
	}

	res, err := env.Engine.CompleteLeaf(env.Ctx, "casey", a.ID, engine.LeafPath{TaskID: "t1"})
	if err != nil {
		t.Fatalf("complete t1: %v", err)
	}
	if !res.LeafAwarded || res.ContainerCompleted || res.PointsAwarded != 10 {
		t.Fatalf("unexpected first result: %+v", res)
	}

	res, err = env.Engine.CompleteLeaf(env.Ctx, "casey", a.ID, engine.LeafPath{TaskID: "t2"})
	if err != nil {
		t.Fatalf("complete t2: %v", err)
	}
	if !res.ContainerCompleted || !res.ContainerAwarded {
		t.Fatalf("last task must complete the quest: %+v", res)
	}
	if res.PointsAwarded != 30 { // 10 task + 20 bonus
		t.Fatalf("expected 30 points on final leaf, got %d", res.PointsAwarded)
	}
	if got := points(t, env, "casey"); got != 40 {
		t.Fatalf("expected 40 total, got %d", got)
	}

	got, err := env.Engine.Repo.GetAssignment(env.Ctx, "casey", a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("quest assignment should be completed, got %s", got.Status)
	}
}

func TestCompleteLeafIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		UserID: "casey", Kind: domain.KindQuest, TemplateID: "q1", AssignedBy: "jordan",
	})
	if _, err := env.Engine.Accept(env.Ctx, "casey", a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteLeaf(env.Ctx, "casey", a.ID, engine.LeafPath{TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}
	before := points(t, env, "casey")
	for i := 0; i < 3; i++ {
		res, err := env.Engine.CompleteLeaf(env.Ctx, "casey", a.ID, engine.LeafPath{TaskID: "t1"})
		if err != nil {
			t.Fatalf("duplicate completion must not error: %v", err)
		}
		if res.LeafAwarded || res.PointsAwarded != 0 {
			t.Fatalf("duplicate completion must be a no-op: %+v", res)
		}
	}
	if after := points(t, env, "casey"); after != before {
		t.Fatalf("duplicate completions changed points: %d -> %d", before, after)
	}
}

func TestMissionScenario(t *testing.T) {
	env := newTestEnv(t)
	a := acceptMission(t, env, "casey", "m1")

	// q1 has no prerequisites, t3 requires q1
	if a.QuestInstances["q1"].Status != domain.MemberActive {
		t.Fatalf("q1 should start active, got %s", a.QuestInstances["q1"].Status)
	}
	if a.TaskInstances["t3"].Status != domain.MemberLocked {
		t.Fatalf("t3 should start locked, got %s", a.TaskInstances["t3"].Status)
	}

	// completing t3 while locked is rejected
	if _, err := env.Engine.CompleteLeaf(env.Ctx, "casey", a.ID, engine.LeafPath{TaskID: "t3"}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("locked member must reject completion, got %v", err)
	}

	res, err := env.Engine.CompleteLeaf(env.Ctx, "casey", a.ID, engine.LeafPath{QuestID: "q1", TaskID: "t1"})
	if err != nil {
		t.Fatalf("complete t1: %v", err)
	}
	if res.PointsAwarded != 10 || res.ContainerCompleted {
		t.Fatalf("unexpected t1 result: %+v", res)
	}
	if got := points(t, env, "casey"); got != 10 {
		t.Fatalf("ledger after t1: %d", got)
	}

	res, err = env.Engine.CompleteLeaf(env.Ctx, "casey", a.ID, engine.LeafPath{QuestID: "q1", TaskID: "t2"})
	if err != nil {
		t.Fatalf("complete t2: %v", err)
	}
	if !res.ContainerCompleted || !res.ContainerAwarded {
		t.Fatalf("q1 should complete with t2: %+v", res)
	}
	if res.ParentCompleted {
		t.Fatalf("mission must not complete while t3 is open: %+v", res)
	}
	if len(res.Unlocked) != 1 || res.Unlocked[0] != "t3" {
		t.Fatalf("t3 should unlock when q1 completes, got %v", res.Unlocked)
	}
	if got := points(t, env, "casey"); got != 40 { // 10+10+20 bonus
		t.Fatalf("ledger after q1: %d", got)
	}

	got, err := env.Engine.Repo.GetAssignment(env.Ctx, "casey", a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TaskInstances["t3"].Status != domain.MemberActive {
		t.Fatalf("t3 should be active, got %s", got.TaskInstances["t3"].Status)
	}

	res, err = env.Engine.CompleteLeaf(env.Ctx, "casey", a.ID, engine.LeafPath{TaskID: "t3"})
	if err != nil {
		t.Fatalf("complete t3: %v", err)
	}
	if !res.ContainerCompleted || !res.ContainerAwarded {
		t.Fatalf("mission should complete with t3: %+v", res)
	}
	if res.PointsAwarded != 65 { // 15 task + 50 reward
		t.Fatalf("expected 65 on final leaf, got %d", res.PointsAwarded)
	}
	if got := points(t, env, "casey"); got != 105 {
		t.Fatalf("final ledger should be 105, got %d", got)
	}

	got, err = env.Engine.Repo.GetAssignment(env.Ctx, "casey", a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("mission assignment should be completed, got %s", got.Status)
	}
	if got.TaskInstances["t3"].Status != domain.MemberCompleted {
		t.Fatalf("t3 should be completed, got %s", got.TaskInstances["t3"].Status)
	}

	// duplicate completion of a finished mission leaf stays a no-op
	res, err = env.Engine.CompleteLeaf(env.Ctx, "casey", a.ID, engine.LeafPath{TaskID: "t3"})
	if err != nil || res.LeafAwarded {
		t.Fatalf("duplicate mission leaf completion: %v %+v", err, res)
	}
	if got := points(t, env, "casey"); got != 105 {
		t.Fatalf("ledger moved on duplicate completion: %d", got)
	}
}

func TestRefreshLocksIsRedundantSafe(t *testing.T) {
	env := newTestEnv(t)
	a := acceptMission(t, env, "casey", "m1")

	unlocked, err := env.Engine.RefreshLocks(env.Ctx, "casey", a.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(unlocked) != 0 {
		t.Fatalf("nothing should unlock before q1 completes, got %v", unlocked)
	}
	if _, err := env.Engine.CompleteLeaf(env.Ctx, "casey", a.ID, engine.LeafPath{QuestID: "q1", TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}
	unlocked, err = env.Engine.RefreshLocks(env.Ctx, "casey", a.ID)
	if err != nil || len(unlocked) != 0 {
		t.Fatalf("q1 incomplete, t3 must stay locked: %v %v", err, unlocked)
	}
}

func TestRefreshLocksMissionOnly(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		UserID: "casey", Kind: domain.KindQuest, TemplateID: "q1", AssignedBy: "jordan",
	})
	if _, err := env.Engine.RefreshLocks(env.Ctx, "casey", a.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for quest assignment, got %v", err)
	}
}

func TestStaleVersionSurfacesConflict(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		UserID: "casey", Kind: domain.KindTask, TemplateID: "solo", AssignedBy: "jordan",
	})
	if err != nil {
		t.Fatal(err)
	}
	// writing with a stale version must fail the optimistic check
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	a.Status = domain.StatusActive
	err = env.Engine.Repo.UpdateAssignment(env.Ctx, tx, a, a.Version+10)
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUnknownLeafNotFound(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		UserID: "casey", Kind: domain.KindQuest, TemplateID: "q1", AssignedBy: "jordan",
	})
	if _, err := env.Engine.Accept(env.Ctx, "casey", a.ID); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CompleteLeaf(env.Ctx, "casey", a.ID, engine.LeafPath{TaskID: "ghost"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown leaf, got %v", err)
	}
}
