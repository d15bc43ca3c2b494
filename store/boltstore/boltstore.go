// Package boltstore is the BoltDB-backed implementation of the storage
// collaborator. BoltDB is chosen for easy deployment: pure Go, no C
// dependencies, single file.
package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskman/fault"
	"github.com/swarmguard/taskman/model"
)

const component = "boltstore"

// ErrNotFound is wrapped by faults returned for missing records.
var ErrNotFound = errors.New("record not found")

var (
	bucketProjects     = []byte("projects")
	bucketEpics        = []byte("epics")
	bucketTasks        = []byte("tasks")
	bucketDependencies = []byte("dependencies")
)

// Store is a bbolt-backed record store with a small hot cache for tasks.
type Store struct {
	db *bbolt.DB

	mu           sync.RWMutex
	taskCache    map[string]model.AtomicTask
	maxCacheSize int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates or opens the store at dbPath.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath, 0600, opts)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, component, "open", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketProjects, bucketEpics, bucketTasks, bucketDependencies} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fault.Wrap(fault.KindConfiguration, component, "create_buckets", err)
	}

	readLatency, _ := meter.Float64Histogram("taskman_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskman_store_write_ms")
	cacheHits, _ := meter.Int64Counter("taskman_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("taskman_store_cache_misses_total")

	return &Store{
		db:           db,
		taskCache:    make(map[string]model.AtomicTask),
		maxCacheSize: 1000,
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) put(ctx context.Context, bucketName []byte, key string, v any, op string) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", op)))
	}()

	data, err := json.Marshal(v)
	if err != nil {
		return fault.Wrap(fault.KindInvariant, component, op, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), data)
	})
	if err != nil {
		return fault.Wrap(fault.KindTransient, component, op, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, bucketName []byte, key string, out any, op string) error {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", op)))
	}()

	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return fault.Wrap(fault.KindTransient, component, op, err)
	}
	if data == nil {
		return fault.Wrap(fault.KindNotFound, component, op, ErrNotFound).With("id", key)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fault.Wrap(fault.KindInvariant, component, op, err).With("id", key)
	}
	return nil
}

func (s *Store) delete(bucketName []byte, key, op string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return fault.Wrap(fault.KindTransient, component, op, err)
	}
	return nil
}

// PutProject stores a project record.
func (s *Store) PutProject(ctx context.Context, p model.Project) error {
	if p.ID == "" {
		return fault.New(fault.KindValidation, component, "put_project", "empty id")
	}
	return s.put(ctx, bucketProjects, p.ID, p, "put_project")
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (model.Project, error) {
	var p model.Project
	err := s.get(ctx, bucketProjects, id, &p, "get_project")
	return p, err
}

// DeleteProject removes a project record.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.delete(bucketProjects, id, "delete_project")
}

// PutEpic stores an epic record.
func (s *Store) PutEpic(ctx context.Context, e model.Epic) error {
	if e.ID == "" {
		return fault.New(fault.KindValidation, component, "put_epic", "empty id")
	}
	return s.put(ctx, bucketEpics, e.ID, e, "put_epic")
}

// GetEpic fetches an epic by id.
func (s *Store) GetEpic(ctx context.Context, id string) (model.Epic, error) {
	var e model.Epic
	err := s.get(ctx, bucketEpics, id, &e, "get_epic")
	return e, err
}

// ListEpics returns the epics of a project.
func (s *Store) ListEpics(ctx context.Context, projectID string) ([]model.Epic, error) {
	var out []model.Epic
	err := s.scan(bucketEpics, func(data []byte) {
		var e model.Epic
		if json.Unmarshal(data, &e) == nil && e.ProjectID == projectID {
			out = append(out, e)
		}
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, component, "list_epics", err)
	}
	return out, nil
}

// DeleteEpic removes an epic record.
func (s *Store) DeleteEpic(ctx context.Context, id string) error {
	return s.delete(bucketEpics, id, "delete_epic")
}

// PutTask stores a task record and refreshes the hot cache.
func (s *Store) PutTask(ctx context.Context, t model.AtomicTask) error {
	if t.ID == "" {
		return fault.New(fault.KindValidation, component, "put_task", "empty id")
	}
	if err := s.put(ctx, bucketTasks, t.ID, t, "put_task"); err != nil {
		return err
	}
	s.mu.Lock()
	if len(s.taskCache) >= s.maxCacheSize {
		s.evictOneLocked()
	}
	s.taskCache[t.ID] = t
	s.mu.Unlock()
	return nil
}

// GetTask fetches a task, served from the hot cache when possible.
func (s *Store) GetTask(ctx context.Context, id string) (model.AtomicTask, error) {
	s.mu.RLock()
	if t, ok := s.taskCache[id]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1)
		return t, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1)

	var t model.AtomicTask
	if err := s.get(ctx, bucketTasks, id, &t, "get_task"); err != nil {
		return model.AtomicTask{}, err
	}
	s.mu.Lock()
	s.taskCache[id] = t
	s.mu.Unlock()
	return t, nil
}

// ListTasks returns the tasks of a project.
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]model.AtomicTask, error) {
	var out []model.AtomicTask
	err := s.scan(bucketTasks, func(data []byte) {
		var t model.AtomicTask
		if json.Unmarshal(data, &t) == nil && t.ProjectID == projectID {
			out = append(out, t)
		}
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, component, "list_tasks", err)
	}
	return out, nil
}

// DeleteTask removes a task record and its cache entry.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.taskCache, id)
	s.mu.Unlock()
	return s.delete(bucketTasks, id, "delete_task")
}

// PutDependency stores a dependency edge keyed by project and endpoints.
func (s *Store) PutDependency(ctx context.Context, d model.Dependency) error {
	if d.FromTaskID == "" || d.ToTaskID == "" {
		return fault.New(fault.KindValidation, component, "put_dependency", "both endpoints required")
	}
	key := fmt.Sprintf("%s:%s->%s", d.ProjectID, d.FromTaskID, d.ToTaskID)
	return s.put(ctx, bucketDependencies, key, d, "put_dependency")
}

// ListDependencies returns the dependency edges of a project.
func (s *Store) ListDependencies(ctx context.Context, projectID string) ([]model.Dependency, error) {
	var out []model.Dependency
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketDependencies).Cursor()
		prefix := []byte(projectID + ":")
		for k, v := cursor.Seek(prefix); k != nil; k, v = cursor.Next() {
			if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				break
			}
			var d model.Dependency
			if json.Unmarshal(v, &d) == nil {
				out = append(out, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, component, "list_dependencies", err)
	}
	return out, nil
}

func (s *Store) scan(bucketName []byte, fn func(data []byte)) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(_, v []byte) error {
			fn(v)
			return nil
		})
	})
}

// evictOneLocked drops an arbitrary cache entry; the cache is a hot-set
// optimization, not an LRU contract.
func (s *Store) evictOneLocked() {
	for id := range s.taskCache {
		delete(s.taskCache, id)
		return
	}
}
