package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/migrate"
)

const testCatalog = `tasks:
  t3:
    name: "Water the plants"
    points: 15
  solo:
    name: "Walk the dog"
    points: 25
quests:
  q1:
    name: "Kitchen duty"
    completion_bonus_points: 20
    tasks:
      - id: t1
        name: "Wipe counters"
        points: 10
      - id: t2
        name: "Sweep floor"
        points: 10
missions:
  m1:
    name: "Weekend helper"
    completion_reward:
      points: 50
      description: "Pick the movie"
    contains_quests: [q1]
    contains_tasks: [t3]
    prerequisites:
      t3: [q1]
`

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	for _, u := range []domain.User{
		{Username: "casey", Role: "member"},
		{Username: "jordan", Role: "guardian"},
	} {
		if err := eng.Repo.InsertUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.Username, err)
		}
	}
	cat, err := config.FromYAML([]byte(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	if _, err := eng.ImportCatalog(ctx, cat, "jordan"); err != nil {
		t.Fatalf("import catalog: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func points(t *testing.T, env testEnv, user string) int {
	t.Helper()
	n, err := env.Engine.Repo.GetPoints(env.Ctx, user)
	if err != nil {
		t.Fatalf("get points: %v", err)
	}
	return n
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		UserID: "casey", Kind: domain.KindTask, TemplateID: "solo", AssignedBy: "jordan",
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.Status != domain.StatusPendingAcceptance {
		t.Fatalf("expected pending_acceptance, got %s", a.Status)
	}
	a, err = env.Engine.Accept(env.Ctx, "casey", a.ID)
	if err != nil || a.Status != domain.StatusActive {
		t.Fatalf("accept: %v (status %s)", err, a.Status)
	}
	// accepting twice is not a legal transition
	if _, err := env.Engine.Accept(env.Ctx, "casey", a.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	a, err = env.Engine.Submit(env.Ctx, "casey", a.ID)
	if err != nil || a.Status != domain.StatusAwaitingApproval {
		t.Fatalf("submit: %v (status %s)", err, a.Status)
	}
	a, err = env.Engine.Approve(env.Ctx, "casey", a.ID, "jordan")
	if err != nil || a.Status != domain.StatusCompleted {
		t.Fatalf("approve: %v (status %s)", err, a.Status)
	}
	if a.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
	if got := points(t, env, "casey"); got != 25 {
		t.Fatalf("expected 25 points, got %d", got)
	}
}

func TestDeclineIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		UserID: "casey", Kind: domain.KindTask, TemplateID: "solo", AssignedBy: "jordan",
	})
	if err != nil {
		t.Fatal(err)
	}
	a, err = env.Engine.Decline(env.Ctx, "casey", a.ID)
	if err != nil || a.Status != domain.StatusDeclined {
		t.Fatalf("decline: %v (status %s)", err, a.Status)
	}
	if _, err := env.Engine.Accept(env.Ctx, "casey", a.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition out of declined, got %v", err)
	}
}

func TestRejectReturnsToActiveWithoutPoints(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		UserID: "casey", Kind: domain.KindTask, TemplateID: "solo", AssignedBy: "jordan",
	})
	if _, err := env.Engine.Accept(env.Ctx, "casey", a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Submit(env.Ctx, "casey", a.ID); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Reject(env.Ctx, "casey", a.ID, "jordan")
	if err != nil || got.Status != domain.StatusActive {
		t.Fatalf("reject: %v (status %s)", err, got.Status)
	}
	if n := points(t, env, "casey"); n != 0 {
		t.Fatalf("rejection must not touch points, got %d", n)
	}
	// second attempt goes through
	if _, err := env.Engine.Submit(env.Ctx, "casey", a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, "casey", a.ID, "jordan"); err != nil {
		t.Fatal(err)
	}
	if n := points(t, env, "casey"); n != 25 {
		t.Fatalf("expected 25 points after approval, got %d", n)
	}
	// approving a completed task is rejected, points unchanged
	if _, err := env.Engine.Approve(env.Ctx, "casey", a.ID, "jordan"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if n := points(t, env, "casey"); n != 25 {
		t.Fatalf("double approval must not award again, got %d", n)
	}
}

func TestSubmitOnlyForTasks(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		UserID: "casey", Kind: domain.KindQuest, TemplateID: "q1", AssignedBy: "jordan",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Accept(env.Ctx, "casey", a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Submit(env.Ctx, "casey", a.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("quest submit must be rejected, got %v", err)
	}
}

func TestQuestAssignmentSeedsPendingTasks(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		UserID: "casey", Kind: domain.KindQuest, TemplateID: "q1", AssignedBy: "jordan",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(a.TaskStatus) != 2 {
		t.Fatalf("expected 2 seeded tasks, got %d", len(a.TaskStatus))
	}
	for id, st := range a.TaskStatus {
		if st != domain.LeafPending {
			t.Fatalf("task %s seeded as %s, want pending", id, st)
		}
	}
}

func TestAssignUnknownTemplate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		UserID: "casey", Kind: domain.KindTask, TemplateID: "nope", AssignedBy: "jordan",
	})
	if err == nil {
		t.Fatalf("expected not found")
	}
}
