package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	s := DefaultScheduling()
	require.NoError(t, s.Validate())
	e := DefaultExecution()
	require.NoError(t, e.Validate())
	l := DefaultLocks()
	require.NoError(t, l.Validate())
	ep := DefaultEpics()
	require.NoError(t, ep.Validate())
}

func TestSchedulingValidation(t *testing.T) {
	s := DefaultScheduling()
	s.Algorithm = "guesswork"
	require.Error(t, s.Validate())

	s = DefaultScheduling()
	s.Weights.Deadline = 1.5
	require.Error(t, s.Validate())

	s = DefaultScheduling()
	s.Resources.MaxCPUUtilization = 0
	require.Error(t, s.Validate())
}

func TestLocksValidation(t *testing.T) {
	l := DefaultLocks()
	l.EnableLockAuditTrail = true
	require.Error(t, l.Validate(), "audit trail without a path must be rejected")
	l.AuditPath = "/tmp/audit.db"
	require.NoError(t, l.Validate())
}

func TestSensitivityThresholds(t *testing.T) {
	require.Equal(t, 0.3, SensitivityLow.Threshold())
	require.Equal(t, 0.2, SensitivityMedium.Threshold())
	require.Equal(t, 0.1, SensitivityHigh.Threshold())
}

func TestWatcherReloadsValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduling.json")

	swapped := make(chan Scheduling, 4)
	w, err := NewWatcher(path, DefaultScheduling(), func(s Scheduling) { swapped <- s })
	require.NoError(t, err)
	defer w.Close()

	next := DefaultScheduling()
	next.Algorithm = AlgoShortestJob
	data, err := json.Marshal(next)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	select {
	case got := <-swapped:
		require.Equal(t, AlgoShortestJob, got.Algorithm)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not pick up the write")
	}
	require.Equal(t, AlgoShortestJob, w.Current().Algorithm)
}

func TestWatcherRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduling.json")

	w, err := NewWatcher(path, DefaultScheduling(), nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"algorithm": "nonsense"}`), 0o644))

	// The bad file must never replace the last good config.
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, AlgoHybridOptimal, w.Current().Algorithm)
}
