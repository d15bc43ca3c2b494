package model

import "time"

// Project is the top-level container tasks and epics belong to.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Dependency is a persisted task-level dependency edge:
// ToTaskID depends on FromTaskID.
type Dependency struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	FromTaskID string `json:"from_task_id"`
	ToTaskID   string `json:"to_task_id"`
}
