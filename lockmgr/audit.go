package lockmgr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/swarmguard/taskman/core/logging"
	"go.etcd.io/bbolt"
)

var bucketLockAudit = []byte("lock_audit")

// auditTrail appends lock lifecycle records to BoltDB when
// EnableLockAuditTrail is set.
type auditTrail struct {
	db *bbolt.DB
}

// AuditRecord is one persisted lock event.
type AuditRecord struct {
	At       time.Time `json:"at"`
	Event    string    `json:"event"` // acquire | release | release_all | expire
	LockID   string    `json:"lock_id"`
	Resource string    `json:"resource"`
	HolderID string    `json:"holder_id"`
	Mode     Mode      `json:"mode"`
}

func openAuditTrail(path string) (*auditTrail, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLockAudit)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit bucket: %w", err)
	}
	return &auditTrail{db: db}, nil
}

func (a *auditTrail) append(event string, lock *Lock) {
	rec := AuditRecord{
		At:       time.Now(),
		Event:    event,
		LockID:   lock.ID,
		Resource: lock.Resource,
		HolderID: lock.HolderID,
		Mode:     lock.Mode,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	err = a.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLockAudit)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, data)
	})
	if err != nil {
		slog.Warn("lock audit append failed", "event", event, logging.Err(err))
	}
}

// Records returns up to limit audit records in append order.
func (a *auditTrail) records(limit int) ([]AuditRecord, error) {
	out := make([]AuditRecord, 0, limit)
	err := a.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketLockAudit).Cursor()
		for k, v := cursor.First(); k != nil && len(out) < limit; k, v = cursor.Next() {
			var rec AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (a *auditTrail) close() error { return a.db.Close() }

// AuditRecords returns the persisted audit trail, newest last. Empty when
// the trail is disabled.
func (m *Manager) AuditRecords(limit int) ([]AuditRecord, error) {
	if m.audit == nil {
		return nil, nil
	}
	return m.audit.records(limit)
}
