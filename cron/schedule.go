// Package cron runs the recurring jobs of the platform: scheduled-replay
// drains, provider balance refreshes, guardrail alert evaluation and the
// weekly digest. The schedule is declared in a TOML file loaded at startup
// and bound against a compile-time job registry.
package cron

import (
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/socialboost/fulfillment/domain"
)

// JobSpec is one scheduled job declaration. In the TOML file jobs are named
// tables under [jobs.<id>]; the table key becomes the ID.
type JobSpec struct {
	// ID names the job in health output and logs.
	ID string `toml:"-"`
	// Task is the registry key of the callable to run.
	Task string `toml:"task"`
	// Cron is a standard five-field cron expression.
	Cron string `toml:"cron"`
	// Kwargs is passed to the job verbatim.
	Kwargs map[string]any `toml:"kwargs"`
	// Retry policy. Zero values take the defaults (3 attempts, 30s base,
	// 2x multiplier, 600s cap).
	MaxAttempts        int     `toml:"max_attempts"`
	BaseBackoffSeconds float64 `toml:"base_backoff_seconds"`
	BackoffMultiplier  float64 `toml:"backoff_multiplier"`
	MaxBackoffSeconds  float64 `toml:"max_backoff_seconds"`
	JitterSeconds      float64 `toml:"jitter_seconds"`
}

// Schedule is the parsed schedule: timezone plus jobs ordered by id.
type Schedule struct {
	Timezone string
	Jobs     []JobSpec
}

// scheduleFile is the raw TOML shape.
type scheduleFile struct {
	Timezone string             `toml:"timezone"`
	Jobs     map[string]JobSpec `toml:"jobs"`
}

// LoadSchedule reads and parses a TOML schedule file.
func LoadSchedule(path string) (*Schedule, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.Fatalf(err, "read schedule %s", path)
	}
	return ParseSchedule(buf)
}

// ParseSchedule parses TOML schedule bytes and validates the declarations.
func ParseSchedule(buf []byte) (*Schedule, error) {
	var file scheduleFile
	if err := toml.Unmarshal(buf, &file); err != nil {
		return nil, domain.Fatalf(err, "parse schedule")
	}
	sched := &Schedule{Timezone: file.Timezone}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}

	ids := make([]string, 0, len(file.Jobs))
	for id := range file.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		job := file.Jobs[id]
		job.ID = id
		if job.Task == "" || job.Cron == "" {
			return nil, domain.Fatalf(nil, "job %q needs both task and cron", id)
		}
		applyRetryDefaults(&job)
		sched.Jobs = append(sched.Jobs, job)
	}
	return sched, nil
}

func applyRetryDefaults(job *JobSpec) {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.BaseBackoffSeconds <= 0 {
		job.BaseBackoffSeconds = 30
	}
	if job.BackoffMultiplier <= 0 {
		job.BackoffMultiplier = 2
	}
	if job.MaxBackoffSeconds <= 0 {
		job.MaxBackoffSeconds = 600
	}
	if job.JitterSeconds < 0 {
		job.JitterSeconds = 0
	}
}
