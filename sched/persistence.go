package sched

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/taskman/core/logging"
	"github.com/swarmguard/taskman/fault"
)

// Persistence writes schedule snapshots as JSON files keyed by schedule id
// under <outputDir>/schedules/ and prunes snapshots older than the
// retention window on a nightly cron sweep.
type Persistence struct {
	dir           string
	retentionDays int
	cron          *cron.Cron
}

// NewPersistence prepares the snapshot directory and starts the nightly
// cleanup sweep. retentionDays <= 0 disables pruning.
func NewPersistence(outputDir string, retentionDays int) (*Persistence, error) {
	dir := filepath.Join(outputDir, "schedules")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, component, "persistence", err)
	}

	p := &Persistence{dir: dir, retentionDays: retentionDays}
	if retentionDays > 0 {
		p.cron = cron.New()
		_, err := p.cron.AddFunc("17 3 * * *", func() {
			removed, err := p.CleanupOlderThan(p.retentionDays)
			if err != nil {
				slog.Warn("schedule snapshot cleanup failed", logging.Err(err))
				return
			}
			if removed > 0 {
				slog.Info("schedule snapshots pruned", "removed", removed)
			}
		})
		if err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, component, "persistence", err)
		}
		p.cron.Start()
	}
	return p, nil
}

// Close stops the cleanup sweep.
func (p *Persistence) Close() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

// SaveSchedule serializes the schedule to <dir>/<scheduleId>.json. The
// scheduledTasks mapping is stored as a JSON object and dates as ISO-8601.
func (p *Persistence) SaveSchedule(s *Schedule) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fault.Wrap(fault.KindInvariant, component, "save_schedule", err).With("schedule_id", s.ID)
	}
	path := filepath.Join(p.dir, s.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fault.Wrap(fault.KindTransient, component, "save_schedule", err).With("schedule_id", s.ID)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fault.Wrap(fault.KindTransient, component, "save_schedule", err).With("schedule_id", s.ID)
	}
	return nil
}

// LoadSchedule reconstructs a snapshot by id, rehydrating the task mapping
// and date fields. Missing ids yield a not-found fault.
func (p *Persistence) LoadSchedule(id string) (*Schedule, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Wrap(fault.KindNotFound, component, "load_schedule", err).With("schedule_id", id)
		}
		return nil, fault.Wrap(fault.KindTransient, component, "load_schedule", err).With("schedule_id", id)
	}
	var s Schedule
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fault.Wrap(fault.KindInvariant, component, "load_schedule", err).With("schedule_id", id)
	}
	if s.ScheduledTasks == nil {
		s.ScheduledTasks = make(map[string]*ScheduledTask)
	}
	return &s, nil
}

// CleanupOlderThan removes snapshots whose file modification time is older
// than the given number of days. Returns the number removed.
func (p *Persistence) CleanupOlderThan(days int) (int, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, component, "cleanup", err)
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(p.dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
