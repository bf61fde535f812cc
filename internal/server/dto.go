package server

import (
	"encoding/json"
)

type CreateUserRequest struct {
	Username    string `json:"username" example:"casey"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role" enum:"guardian,member,admin" example:"member"`
	Timezone    string `json:"timezone,omitempty" example:"Europe/Paris"`
}

type AssignRequest struct {
	UserID     string `json:"user_id" example:"casey"`
	Kind       string `json:"kind" enum:"task,quest,mission"`
	TemplateID string `json:"template_id" example:"quest_room_reset"`
	ID         string `json:"id,omitempty" doc:"Optional explicit assignment ID"`
}

type CompleteLeafRequest struct {
	QuestID string `json:"quest_id,omitempty" doc:"Owning quest member for tasks nested in a mission quest"`
	TaskID  string `json:"task_id"`
}

type ImportCatalogRequest struct {
	YAML string `json:"yaml" doc:"Catalog document, same format as catalog.yml"`
}

type CatalogResponse struct {
	Tasks    map[string]json.RawMessage `json:"tasks"`
	Quests   map[string]json.RawMessage `json:"quests"`
	Missions map[string]json.RawMessage `json:"missions"`
}

type PointsResponse struct {
	UserID string `json:"user_id"`
	Total  int    `json:"total"`
}

type UnlockResponse struct {
	Unlocked []string `json:"unlocked"`
}
