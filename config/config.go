// Package config manages the scheduler configuration.
// Defaults are loaded from an embedded YAML file and may be overridden
// by a config file on disk (SCHED_CONFIG).
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// QueueHeadroom is the number of free work-queue slots the executor
// requires before accepting a task. max_concurrent_tasks_in_memory
// must exceed it or no task could ever be enqueued.
const QueueHeadroom = 10

// Data holds the serialisable scheduler configuration.
type Data struct {
	// ListenPort is the HTTP submission API port (http run mode).
	ListenPort int `yaml:"listen_port"`

	// MaxSecondsToSleep is the horizon: the longest a task is allowed
	// to wait in memory before its execution time. Tasks farther out
	// are left in the database for a later sweep.
	MaxSecondsToSleep int64 `yaml:"max_seconds_to_sleep"`

	// LookForNewTasksInterval is the seconds between sweeper passes.
	LookForNewTasksInterval int64 `yaml:"look_for_new_tasks_interval"`

	// MaxConcurrentTasksInMemory bounds the work-queue channel and the
	// number of tasks sleeping until their execution time.
	MaxConcurrentTasksInMemory int `yaml:"max_concurrent_tasks_in_memory"`

	// MaxConcurrentExecutingTasks bounds tasks doing real work.
	MaxConcurrentExecutingTasks int `yaml:"max_concurrent_executing_tasks"`

	// TasksChannelName is the LISTEN/NOTIFY channel shared by all nodes.
	TasksChannelName string `yaml:"tasks_channel_name"`
}

// MaxSleep returns the horizon as a duration.
func (d Data) MaxSleep() time.Duration {
	return time.Duration(d.MaxSecondsToSleep) * time.Second
}

// SweepInterval returns the sweeper period as a duration.
func (d Data) SweepInterval() time.Duration {
	return time.Duration(d.LookForNewTasksInterval) * time.Second
}

// Load returns the defaults, overridden by the YAML file at path when
// path is non-empty.
func Load(path string) (Data, error) {
	d := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Data{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &d); err != nil {
			return Data{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := d.validate(); err != nil {
		return Data{}, err
	}
	return d, nil
}

func (d Data) validate() error {
	if d.MaxSecondsToSleep <= 0 {
		return fmt.Errorf("max_seconds_to_sleep must be positive, got %d", d.MaxSecondsToSleep)
	}
	if d.LookForNewTasksInterval <= 0 {
		return fmt.Errorf("look_for_new_tasks_interval must be positive, got %d", d.LookForNewTasksInterval)
	}
	if d.MaxConcurrentTasksInMemory <= QueueHeadroom {
		return fmt.Errorf("max_concurrent_tasks_in_memory must be greater than %d (the work queue's enqueue headroom), got %d",
			QueueHeadroom, d.MaxConcurrentTasksInMemory)
	}
	if d.MaxConcurrentExecutingTasks <= 0 {
		return fmt.Errorf("max_concurrent_executing_tasks must be positive, got %d", d.MaxConcurrentExecutingTasks)
	}
	if d.TasksChannelName == "" {
		return fmt.Errorf("tasks_channel_name must not be empty")
	}
	return nil
}

// defaults returns the built-in configuration by parsing the embedded YAML.
func defaults() Data {
	var d Data
	_ = yaml.Unmarshal(defaultYAML, &d)
	return d
}
