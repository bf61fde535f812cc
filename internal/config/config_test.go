package config_test

import (
	"strings"
	"testing"

	"questline/internal/config"
)

func TestDefaultCatalogValid(t *testing.T) {
	cat := config.Default()
	if err := cat.Validate(); err != nil {
		t.Fatalf("default catalog invalid: %v", err)
	}
	if len(cat.Tasks) == 0 || len(cat.Quests) == 0 || len(cat.Missions) == 0 {
		t.Fatalf("default catalog should cover all three kinds")
	}
}

func mustFail(t *testing.T, yml, fragment string) {
	t.Helper()
	_, err := config.FromYAML([]byte(yml))
	if err == nil {
		t.Fatalf("expected validation error containing %q", fragment)
	}
	if !strings.Contains(err.Error(), fragment) {
		t.Fatalf("error %q does not mention %q", err.Error(), fragment)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	mustFail(t, `tasks:
  a:
    name: A
  b:
    name: B
missions:
  m:
    name: M
    contains_tasks: [a, b]
    prerequisites:
      a: [b]
      b: [a]
`, "cycle")
}

func TestValidateRejectsSelfPrerequisite(t *testing.T) {
	mustFail(t, `tasks:
  a:
    name: A
missions:
  m:
    name: M
    contains_tasks: [a]
    prerequisites:
      a: [a]
`, "itself")
}

func TestValidateRejectsUnknownMember(t *testing.T) {
	mustFail(t, `tasks:
  a:
    name: A
missions:
  m:
    name: M
    contains_tasks: [a, ghost]
`, "unknown task ghost")
}

func TestValidateRejectsNonMemberPrerequisite(t *testing.T) {
	mustFail(t, `tasks:
  a:
    name: A
  b:
    name: B
missions:
  m:
    name: M
    contains_tasks: [a]
    prerequisites:
      a: [b]
`, "non-member")
}

func TestValidateRejectsDuplicateQuestTask(t *testing.T) {
	mustFail(t, `quests:
  q:
    name: Q
    tasks:
      - id: x
        name: One
      - id: x
        name: Two
`, "duplicate task id")
}

func TestValidateRejectsNegativePoints(t *testing.T) {
	mustFail(t, `tasks:
  a:
    name: A
    points: -5
`, "points must be >= 0")
}

func TestValidateRejectsEmptyQuest(t *testing.T) {
	mustFail(t, `quests:
  q:
    name: Q
    tasks: []
`, "at least one task")
}

func TestLongPrerequisiteChainIsAcyclic(t *testing.T) {
	yml := `tasks:
  a:
    name: A
  b:
    name: B
  c:
    name: C
missions:
  m:
    name: M
    contains_tasks: [a, b, c]
    prerequisites:
      b: [a]
      c: [b]
`
	if _, err := config.FromYAML([]byte(yml)); err != nil {
		t.Fatalf("chain should validate: %v", err)
	}
}
