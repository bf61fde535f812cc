package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"questline/internal/domain"
)

// Catalog models catalog.yml: the authoring format for task, quest and
// mission templates. Templates are validated here, at load time, so the
// engine can trust any template it reads back from the store.
type Catalog struct {
	Tasks    map[string]TaskDef    `yaml:"tasks"`
	Quests   map[string]QuestDef   `yaml:"quests"`
	Missions map[string]MissionDef `yaml:"missions"`
}

type TaskDef struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Emoji       string `yaml:"emoji"`
	Points      int    `yaml:"points"`
}

type QuestTaskDef struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Emoji       string `yaml:"emoji"`
	Points      int    `yaml:"points"`
}

type QuestDef struct {
	Name                  string         `yaml:"name"`
	Description           string         `yaml:"description"`
	Emoji                 string         `yaml:"emoji"`
	CompletionBonusPoints int            `yaml:"completion_bonus_points"`
	Tasks                 []QuestTaskDef `yaml:"tasks"`
}

type RewardDef struct {
	Points      int    `yaml:"points"`
	Description string `yaml:"description"`
}

type MissionDef struct {
	Name             string              `yaml:"name"`
	Description      string              `yaml:"description"`
	Emoji            string              `yaml:"emoji"`
	CompletionReward RewardDef           `yaml:"completion_reward"`
	ContainsQuests   []string            `yaml:"contains_quests"`
	ContainsTasks    []string            `yaml:"contains_tasks"`
	Prerequisites    map[string][]string `yaml:"prerequisites"`
}

// Load reads and validates the catalog from workspace.
func Load(workspace string) (*Catalog, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("catalog %s not found; import with ql catalog import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML catalog from the given path.
func FromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a catalog from raw YAML bytes.
func FromYAML(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Path returns the catalog file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "catalog.yml")
}

// Validate ensures the catalog meets required structure: non-negative
// points, unique embedded task IDs, mission members that exist in the
// catalog, and an acyclic prerequisite graph per mission.
func (c *Catalog) Validate() error {
	for id, t := range c.Tasks {
		if id == "" {
			return fmt.Errorf("catalog.tasks contains empty template id")
		}
		if t.Name == "" {
			return fmt.Errorf("task %s: name is required", id)
		}
		if t.Points < 0 {
			return fmt.Errorf("task %s: points must be >= 0", id)
		}
	}
	for id, q := range c.Quests {
		if id == "" {
			return fmt.Errorf("catalog.quests contains empty template id")
		}
		if q.Name == "" {
			return fmt.Errorf("quest %s: name is required", id)
		}
		if q.CompletionBonusPoints < 0 {
			return fmt.Errorf("quest %s: completion_bonus_points must be >= 0", id)
		}
		if len(q.Tasks) == 0 {
			return fmt.Errorf("quest %s: at least one task is required", id)
		}
		seen := map[string]bool{}
		for _, t := range q.Tasks {
			if t.ID == "" {
				return fmt.Errorf("quest %s: task without id", id)
			}
			if seen[t.ID] {
				return fmt.Errorf("quest %s: duplicate task id %s", id, t.ID)
			}
			seen[t.ID] = true
			if t.Points < 0 {
				return fmt.Errorf("quest %s: task %s points must be >= 0", id, t.ID)
			}
		}
	}
	for id, m := range c.Missions {
		if id == "" {
			return fmt.Errorf("catalog.missions contains empty template id")
		}
		if m.Name == "" {
			return fmt.Errorf("mission %s: name is required", id)
		}
		if m.CompletionReward.Points < 0 {
			return fmt.Errorf("mission %s: completion_reward.points must be >= 0", id)
		}
		if len(m.ContainsQuests)+len(m.ContainsTasks) == 0 {
			return fmt.Errorf("mission %s: at least one member is required", id)
		}
		members := map[string]bool{}
		for _, qid := range m.ContainsQuests {
			if _, ok := c.Quests[qid]; !ok {
				return fmt.Errorf("mission %s: unknown quest %s", id, qid)
			}
			if members[qid] {
				return fmt.Errorf("mission %s: duplicate member %s", id, qid)
			}
			members[qid] = true
		}
		for _, tid := range m.ContainsTasks {
			if _, ok := c.Tasks[tid]; !ok {
				return fmt.Errorf("mission %s: unknown task %s", id, tid)
			}
			if members[tid] {
				return fmt.Errorf("mission %s: duplicate member %s", id, tid)
			}
			members[tid] = true
		}
		for member, prereqs := range m.Prerequisites {
			if !members[member] {
				return fmt.Errorf("mission %s: prerequisites reference non-member %s", id, member)
			}
			for _, p := range prereqs {
				if !members[p] {
					return fmt.Errorf("mission %s: member %s requires non-member %s", id, member, p)
				}
				if p == member {
					return fmt.Errorf("mission %s: member %s requires itself", id, member)
				}
			}
		}
		if cycle := findCycle(m.Prerequisites); cycle != "" {
			return fmt.Errorf("mission %s: prerequisite cycle through %s", id, cycle)
		}
	}
	return nil
}

// findCycle runs a coloured DFS over the prerequisite adjacency list
// and returns a member on a cycle, or "" if the graph is acyclic.
func findCycle(prereqs map[string][]string) string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := map[string]int{}
	var visit func(id string) string
	visit = func(id string) string {
		colour[id] = grey
		for _, p := range prereqs[id] {
			switch colour[p] {
			case grey:
				return p
			case white:
				if c := visit(p); c != "" {
					return c
				}
			}
		}
		colour[id] = black
		return ""
	}
	for id := range prereqs {
		if colour[id] == white {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}

// TaskTemplate converts a catalog entry to its stored form.
func (c *Catalog) TaskTemplate(id string) domain.TaskTemplate {
	t := c.Tasks[id]
	return domain.TaskTemplate{
		ID:          id,
		Name:        t.Name,
		Description: t.Description,
		Emoji:       t.Emoji,
		Points:      t.Points,
	}
}

// QuestTemplate converts a catalog entry to its stored form.
func (c *Catalog) QuestTemplate(id string) domain.QuestTemplate {
	q := c.Quests[id]
	tasks := make([]domain.QuestTask, 0, len(q.Tasks))
	for _, t := range q.Tasks {
		tasks = append(tasks, domain.QuestTask{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Emoji:       t.Emoji,
			Points:      t.Points,
		})
	}
	return domain.QuestTemplate{
		ID:                    id,
		Name:                  q.Name,
		Description:           q.Description,
		Emoji:                 q.Emoji,
		CompletionBonusPoints: q.CompletionBonusPoints,
		Tasks:                 tasks,
	}
}

// MissionTemplate converts a catalog entry to its stored form.
func (c *Catalog) MissionTemplate(id string) domain.MissionTemplate {
	m := c.Missions[id]
	return domain.MissionTemplate{
		ID:          id,
		Name:        m.Name,
		Description: m.Description,
		Emoji:       m.Emoji,
		CompletionReward: domain.CompletionReward{
			Points:      m.CompletionReward.Points,
			Description: m.CompletionReward.Description,
		},
		ContainsQuests: m.ContainsQuests,
		ContainsTasks:  m.ContainsTasks,
		Prerequisites:  m.Prerequisites,
	}
}

// Default returns a small starter catalog.
func Default() *Catalog {
	cat, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default catalog invalid: %v", err))
	}
	return cat
}

// GenerateDefault returns the default catalog YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `tasks:
  task_dishes:
    name: "Do the dishes"
    description: "Load, run and empty the dishwasher"
    emoji: "🍽️"
    points: 15

  task_trash:
    name: "Take out the trash"
    description: "All bins to the curb before pickup"
    emoji: "🗑️"
    points: 10

quests:
  quest_room_reset:
    name: "Room Reset"
    description: "Get the bedroom back to baseline"
    emoji: "🛏️"
    completion_bonus_points: 20
    tasks:
      - id: make_bed
        name: "Make the bed"
        points: 5
      - id: clear_floor
        name: "Clear the floor"
        points: 10
      - id: vacuum
        name: "Vacuum"
        points: 10

missions:
  mission_spring_clean:
    name: "Spring Clean"
    description: "The whole-house cleanup"
    emoji: "🧹"
    completion_reward:
      points: 50
      description: "Movie night pick"
    contains_quests: [quest_room_reset]
    contains_tasks: [task_dishes, task_trash]
    prerequisites:
      task_dishes: [quest_room_reset]
      task_trash: [task_dishes]
`
