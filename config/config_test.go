package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	d, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.ListenPort != 8080 {
		t.Errorf("ListenPort = %d, want 8080", d.ListenPort)
	}
	if d.MaxSleep() != 1800*time.Second {
		t.Errorf("MaxSleep = %s, want 30m", d.MaxSleep())
	}
	if d.SweepInterval() != 300*time.Second {
		t.Errorf("SweepInterval = %s, want 5m", d.SweepInterval())
	}
	if d.MaxConcurrentTasksInMemory != 100 || d.MaxConcurrentExecutingTasks != 10 {
		t.Errorf("concurrency bounds = %d/%d, want 100/10",
			d.MaxConcurrentTasksInMemory, d.MaxConcurrentExecutingTasks)
	}
	if d.TasksChannelName != "tasks" {
		t.Errorf("TasksChannelName = %q, want tasks", d.TasksChannelName)
	}
}

func TestLoadOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	override := "listen_port: 9999\nmax_seconds_to_sleep: 60\n"
	if err := os.WriteFile(path, []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.ListenPort != 9999 {
		t.Errorf("ListenPort = %d, want 9999", d.ListenPort)
	}
	if d.MaxSecondsToSleep != 60 {
		t.Errorf("MaxSecondsToSleep = %d, want 60", d.MaxSecondsToSleep)
	}
	// Untouched keys keep their defaults.
	if d.TasksChannelName != "tasks" {
		t.Errorf("TasksChannelName = %q, want tasks", d.TasksChannelName)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}

func TestInMemoryCapMustExceedHeadroom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("max_concurrent_tasks_in_memory: 10\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("cap equal to the enqueue headroom accepted")
	}
	if !strings.Contains(err.Error(), "headroom") {
		t.Errorf("error %q does not name the headroom constraint", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero horizon", "max_seconds_to_sleep: 0\n"},
		{"negative interval", "look_for_new_tasks_interval: -5\n"},
		{"zero in-memory cap", "max_concurrent_tasks_in_memory: 0\n"},
		{"in-memory cap below headroom", "max_concurrent_tasks_in_memory: 5\n"},
		{"in-memory cap equal to headroom", "max_concurrent_tasks_in_memory: 10\n"},
		{"zero exec cap", "max_concurrent_executing_tasks: 0\n"},
		{"empty channel", "tasks_channel_name: \"\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}
