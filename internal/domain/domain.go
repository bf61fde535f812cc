package domain

// User is an account the engine tracks assignments and points for.
// Guardians hand out work; members accept and complete it.
type User struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role" enum:"guardian,member,admin"`
	Timezone    string `json:"timezone,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Template kinds as stored in the templates table.
const (
	KindTask    = "task"
	KindQuest   = "quest"
	KindMission = "mission"
)

// TaskTemplate defines a standalone task shape.
type TaskTemplate struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Emoji       string `json:"emoji,omitempty"`
	Points      int    `json:"points"`
}

// QuestTask is a task shape embedded in a quest template. Its ID is
// scoped to the quest, not the standalone task catalog.
type QuestTask struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Emoji       string `json:"emoji,omitempty"`
	Points      int    `json:"points"`
}

// QuestTemplate defines a quest: an ordered list of tasks plus a bonus
// awarded when every task is completed.
type QuestTemplate struct {
	ID                    string      `json:"id"`
	Name                  string      `json:"name"`
	Description           string      `json:"description,omitempty"`
	Emoji                 string      `json:"emoji,omitempty"`
	CompletionBonusPoints int         `json:"completion_bonus_points"`
	Tasks                 []QuestTask `json:"tasks"`
}

// CompletionReward is a mission's terminal reward.
type CompletionReward struct {
	Points      int    `json:"points"`
	Description string `json:"description,omitempty"`
}

// MissionTemplate composes quests and tasks under a prerequisite map.
// Prerequisites is an adjacency list over the mission's own declared
// members (contains_quests + contains_tasks) only.
type MissionTemplate struct {
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	Description      string              `json:"description,omitempty"`
	Emoji            string              `json:"emoji,omitempty"`
	CompletionReward CompletionReward    `json:"completion_reward"`
	ContainsQuests   []string            `json:"contains_quests,omitempty"`
	ContainsTasks    []string            `json:"contains_tasks,omitempty"`
	Prerequisites    map[string][]string `json:"prerequisites,omitempty"`
}

// Members returns every declared member ID, quests first.
func (m MissionTemplate) Members() []string {
	ids := make([]string, 0, len(m.ContainsQuests)+len(m.ContainsTasks))
	ids = append(ids, m.ContainsQuests...)
	ids = append(ids, m.ContainsTasks...)
	return ids
}

// Assignment-level lifecycle statuses.
const (
	StatusPendingAcceptance = "pending_acceptance"
	StatusActive            = "active"
	StatusAwaitingApproval  = "awaiting_approval"
	StatusCompleted         = "completed"
	StatusDeclined          = "declined"
)

// Member-level statuses, derived by the dependency resolver for
// quest/task instances inside a mission.
const (
	MemberLocked    = "locked"
	MemberActive    = "active"
	MemberCompleted = "completed"
)

// Leaf statuses for tasks inside a quest's task_status map.
const (
	LeafPending   = "pending"
	LeafCompleted = "completed"
)

// QuestInstance is the live state of a quest inside a mission
// assignment, keyed by quest template ID.
type QuestInstance struct {
	Status     string            `json:"status" enum:"locked,active,completed"`
	TaskStatus map[string]string `json:"task_status"`
}

// TaskInstance is the live state of a standalone task inside a mission
// assignment, keyed by task template ID.
type TaskInstance struct {
	Status string `json:"status" enum:"locked,active,completed"`
}

// Assignment instantiates a template for one user. TaskStatus is set
// only for quest assignments; QuestInstances/TaskInstances only for
// mission assignments. Version backs optimistic concurrency and never
// leaves the repo layer.
type Assignment struct {
	ID             string                   `json:"id"`
	UserID         string                   `json:"user_id"`
	Type           string                   `json:"type" enum:"task,quest,mission"`
	TemplateID     string                   `json:"template_id"`
	Status         string                   `json:"status" enum:"pending_acceptance,active,awaiting_approval,completed,declined"`
	AssignedBy     string                   `json:"assigned_by,omitempty"`
	TaskStatus     map[string]string        `json:"task_status,omitempty"`
	QuestInstances map[string]QuestInstance `json:"quest_instances,omitempty"`
	TaskInstances  map[string]TaskInstance  `json:"task_instances,omitempty"`
	CreatedAt      string                   `json:"created_at" format:"date-time"`
	UpdatedAt      string                   `json:"updated_at" format:"date-time"`
	CompletedAt    *string                  `json:"completed_at,omitempty" format:"date-time"`

	Version int64 `json:"-"`
}

// Event is one row of the per-user history feed.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	UserID       string `json:"user_id"`
	AffectedItem string `json:"affected_item,omitempty"`
	Message      string `json:"message,omitempty"`
	Payload      string `json:"payload_json,omitempty"`
}

// APIKey authenticates non-interactive callers of the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
