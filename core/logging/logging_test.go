package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/swarmguard/taskman/fault"
)

func TestErrExpandsFaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	fe := fault.New(fault.KindTransient, "coord", "send_task", "broker down").
		With("agent_id", "a1")
	logger.Warn("dispatch failed", Err(fe))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line not json: %v", err)
	}
	group, ok := line["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error group, got %v", line["error"])
	}
	if group["kind"] != "transient" || group["component"] != "coord" || group["op"] != "send_task" {
		t.Fatalf("fault fields not expanded: %v", group)
	}
	if group["agent_id"] != "a1" {
		t.Fatalf("metadata not expanded: %v", group)
	}
}

func TestErrPlainErrorFallsBack(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Warn("oops", Err(errors.New("disk full")))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line not json: %v", err)
	}
	if line["error"] != "disk full" {
		t.Fatalf("plain error must log as a string, got %v", line["error"])
	}
}

func TestSetupAndComponent(t *testing.T) {
	var buf bytes.Buffer
	Setup("taskman-test", Options{JSON: true, Writer: &buf, Level: slog.LevelInfo})

	buf.Reset()
	Component("sched").Info("schedule generated", "batches", 3)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line not json: %v", err)
	}
	if line["service"] != "taskman-test" || line["component"] != "sched" {
		t.Fatalf("service/component tags missing: %v", line)
	}
}
