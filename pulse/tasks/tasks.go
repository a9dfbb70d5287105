// Package tasks holds the built-in task functions metronome ships with.
package tasks

import (
	"context"
	"time"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/internal/httpclient"
	"github.com/teranos/metronome/pulse/async"
)

// Action names
const (
	ActionNoop  = "noop"
	ActionSleep = "sleep"
	ActionFail  = "fail"
	ActionHTTP  = "http.request"
)

// Register adds every built-in task to reg. cfg may be nil.
func Register(reg *async.HandlerRegistry, cfg *am.TasksConfig) {
	if cfg == nil {
		cfg = &am.TasksConfig{}
	}
	reg.Register(async.Handle(ActionNoop, Noop))
	reg.Register(async.Handle(ActionSleep, Sleep))
	reg.Register(async.Handle(ActionFail, Fail))
	reg.Register(NewHTTPTask(httpclient.New(cfg.HTTPTimeout(), httpclient.Options{
		AllowPrivate: cfg.HTTP.AllowPrivate,
	})))
}

// Noop succeeds immediately
func Noop(ctx context.Context, task async.Task) error {
	task.Log.Info("noop")
	return nil
}

// SleepPayload is the payload of the sleep task
type SleepPayload struct {
	Seconds float64 `json:"seconds"`
}

// Sleep waits for the requested number of seconds or until ctx ends.
func Sleep(ctx context.Context, task async.Task) error {
	var p SleepPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	if p.Seconds < 0 {
		return errors.Wrapf(errors.ErrValidation, "sleep: seconds must be >= 0, got %v", p.Seconds)
	}

	d := time.Duration(p.Seconds * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		task.Log.Info("slept", "seconds", p.Seconds)
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "sleep interrupted")
	}
}

// FailPayload is the payload of the fail task
type FailPayload struct {
	Message string `json:"message"`
}

// Fail always returns an error carrying the payload message.
func Fail(ctx context.Context, task async.Task) error {
	var p FailPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	if p.Message == "" {
		p.Message = "requested failure"
	}
	return errors.New(p.Message)
}
