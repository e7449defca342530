// Package notify dispatches job lifecycle messages to the channels a job
// asked for. Delivery is best-effort: a webhook outage is warn-logged and
// never fails the job transition that triggered it.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/nexusai/nexus/job"
)

// Action is the lifecycle event being announced.
type Action string

const (
	ActionStarted   Action = "started"
	ActionCompleted Action = "completed"
	ActionFailed    Action = "failed"
	ActionKilled    Action = "killed"
)

// ActionFor maps a terminal status to its announcement.
func ActionFor(s job.Status) Action {
	switch s {
	case job.StatusCompleted:
		return ActionCompleted
	case job.StatusKilled:
		return ActionKilled
	default:
		return ActionFailed
	}
}

// LogReader provides the log tail attached to failure messages.
type LogReader interface {
	ReadLogs(j job.Job, lastNLines int) (string, error)
}

// Notifier announces job lifecycle events. JobStarted may return an
// updated record (channels that support edits store a message handle on
// the job).
type Notifier interface {
	JobStarted(ctx context.Context, j job.Job) (job.Job, error)
	JobEnded(ctx context.Context, j job.Job) (job.Job, error)
	UpdateWithWandbURL(ctx context.Context, j job.Job) error
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	JobStarted(ctx context.Context, j job.Job) (job.Job, error)
	JobEnded(ctx context.Context, j job.Job, action Action) error
	UpdateWithWandbURL(ctx context.Context, j job.Job) error
}

// Dispatcher fans lifecycle events out to the sinks a job subscribed to.
type Dispatcher struct {
	sinks  map[string]Sink
	logger *zap.SugaredLogger
}

// NewDispatcher builds the standard dispatcher with all known sinks.
func NewDispatcher(logs LogReader, logger *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{sinks: map[string]Sink{}, logger: logger}
	d.register(NewDiscordSink(logs, logger))
	d.register(NewPhoneSink(logger))
	return d
}

func (d *Dispatcher) register(s Sink) {
	d.sinks[s.Name()] = s
}

// JobStarted announces a launch on every subscribed channel and returns
// the job with any message handles the sinks recorded.
func (d *Dispatcher) JobStarted(ctx context.Context, j job.Job) (job.Job, error) {
	for _, name := range j.Notifications {
		sink, ok := d.sinks[name]
		if !ok {
			d.logger.Warnw("Unknown notification channel", "channel", name, "job_id", j.ID)
			continue
		}
		updated, err := sink.JobStarted(ctx, j)
		if err != nil {
			d.logger.Warnw("Failed to send start notification",
				"channel", name, "job_id", j.ID, "error", err)
			continue
		}
		j = updated
	}
	return j, nil
}

// JobEnded announces a terminal transition.
func (d *Dispatcher) JobEnded(ctx context.Context, j job.Job) (job.Job, error) {
	action := ActionFor(j.Status)
	for _, name := range j.Notifications {
		sink, ok := d.sinks[name]
		if !ok {
			d.logger.Warnw("Unknown notification channel", "channel", name, "job_id", j.ID)
			continue
		}
		if err := sink.JobEnded(ctx, j, action); err != nil {
			d.logger.Warnw("Failed to send end notification",
				"channel", name, "job_id", j.ID, "action", action, "error", err)
		}
	}
	return j, nil
}

// UpdateWithWandbURL refreshes earlier start messages with the run URL.
func (d *Dispatcher) UpdateWithWandbURL(ctx context.Context, j job.Job) error {
	for _, name := range j.Notifications {
		sink, ok := d.sinks[name]
		if !ok {
			continue
		}
		if err := sink.UpdateWithWandbURL(ctx, j); err != nil {
			d.logger.Warnw("Failed to update notification with W&B URL",
				"channel", name, "job_id", j.ID, "error", err)
		}
	}
	return nil
}
