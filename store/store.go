// Package store declares the key-value storage collaborator for Project,
// Epic, Task and Dependency records. The core never embeds storage logic;
// hosts wire an implementation such as boltstore.
package store

import (
	"context"

	"github.com/swarmguard/taskman/model"
)

// Store is the persistence surface the core consumes.
type Store interface {
	PutProject(ctx context.Context, p model.Project) error
	GetProject(ctx context.Context, id string) (model.Project, error)
	DeleteProject(ctx context.Context, id string) error

	PutEpic(ctx context.Context, e model.Epic) error
	GetEpic(ctx context.Context, id string) (model.Epic, error)
	ListEpics(ctx context.Context, projectID string) ([]model.Epic, error)
	DeleteEpic(ctx context.Context, id string) error

	PutTask(ctx context.Context, t model.AtomicTask) error
	GetTask(ctx context.Context, id string) (model.AtomicTask, error)
	ListTasks(ctx context.Context, projectID string) ([]model.AtomicTask, error)
	DeleteTask(ctx context.Context, id string) error

	PutDependency(ctx context.Context, d model.Dependency) error
	ListDependencies(ctx context.Context, projectID string) ([]model.Dependency, error)

	Close() error
}
