package task

import (
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"botkit/internal/appdata"
	"botkit/internal/record"
)

var (
	// ErrUnknownTask is returned when an operation names an unregistered task.
	ErrUnknownTask = errors.New("task: unknown task")
	// ErrInvalidTask is returned when a template fails validation on Register.
	ErrInvalidTask = errors.New("task: invalid template")
)

// Policy is the catch-up rule applied to a record whose due time elapsed
// while the scheduler process was not running.
type Policy string

const (
	CurrIgnore  Policy = "curr-ignore"
	CurrRestart Policy = "curr-restart"
	CurrRedo    Policy = "curr-redo"
	NextIgnore  Policy = "next-ignore"
	NextRestart Policy = "next-restart"

	DefaultPolicy = CurrIgnore
)

// parts splits the policy into its timing and repositioning axes.
// Only the five named policies are recognized; anything else, including
// combinations like "next-redo" that were never valid, falls back to the
// default policy.
func (p Policy) parts() (timing, reposition string) {
	switch p {
	case CurrIgnore, CurrRestart, CurrRedo, NextIgnore, NextRestart:
		f := strings.SplitN(string(p), "-", 2)
		return f[0], f[1]
	default:
		return "curr", "ignore"
	}
}

// TaskRecord is the persisted running state of one instantiated task.
type TaskRecord = record.Record[RecordInfo]

// RecordInfo is a task record's payload. Next and Start are unix millis;
// VerifyKey authorizes exactly one pending timer.
type RecordInfo struct {
	VerifyKey string `json:"vk,omitempty"`
	ChatID    int64  `json:"chat_id"`
	UserID    int64  `json:"user_id"`
	Start     int64  `json:"start"`
	Next      int64  `json:"next"`
	Executed  int    `json:"executed"`
}

// ExecFunc runs one firing. It receives a snapshot of the record (already
// advanced for this firing), a control handle, and a data accessor scoped
// to the record's chat/user.
type ExecFunc func(rec TaskRecord, h *Handle, data *appdata.DataMan)

// TimeoutFunc handles a record whose drift exceeded the template timeout.
// resume reports whether the check ran without a live timer token (i.e.
// during re-adoption after a restart). The scheduler re-checks the record
// once the handler returns.
type TimeoutFunc func(rec TaskRecord, h *Handle, resume bool)

// Task is an immutable template for recurring work. Register it once;
// instantiate it per chat/user.
type Task struct {
	Name    string
	Execute ExecFunc

	// Interval is the fixed cadence. Ignored when CronSpec is set.
	Interval time.Duration
	// CronSpec optionally drives the cadence from a cron expression
	// (5-field or descriptors like "@hourly").
	CronSpec string

	// MaxExecutions caps total firings; 0 or less means unlimited.
	MaxExecutions int
	// Timeout is the drift beyond which a record is handed to OnTimeout
	// instead of executing. 0 disables timeout handling.
	Timeout   time.Duration
	Policy    Policy
	OnTimeout TimeoutFunc

	schedule cron.Schedule
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (t *Task) validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.Join(ErrInvalidTask, errors.New("name is empty"))
	}
	if t.Execute == nil {
		return errors.Join(ErrInvalidTask, errors.New("executor is nil"))
	}
	if t.CronSpec != "" {
		sched, err := cronParser.Parse(t.CronSpec)
		if err != nil {
			return errors.Join(ErrInvalidTask, err)
		}
		t.schedule = sched
	} else if t.Interval <= 0 {
		return errors.Join(ErrInvalidTask, errors.New("interval must be positive"))
	}
	if t.Policy == "" {
		t.Policy = DefaultPolicy
	}
	return nil
}

// nextAfter returns the fire time following from (unix millis).
func (t *Task) nextAfter(from int64) int64 {
	if t.schedule != nil {
		return t.schedule.Next(time.UnixMilli(from)).UnixMilli()
	}
	return from + t.Interval.Milliseconds()
}

// catchUp advances a stale due time by whole cadence steps until it sits
// within one step of now, dropping the missed firings in between.
func (t *Task) catchUp(next, now int64) int64 {
	if t.schedule != nil {
		for {
			n := t.schedule.Next(time.UnixMilli(next)).UnixMilli()
			if n > now {
				return next
			}
			next = n
		}
	}
	step := t.Interval.Milliseconds()
	for next < now-step {
		next += step
	}
	return next
}
