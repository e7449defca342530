package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexusai/nexus/job"
)

type recordingSink struct {
	name     string
	started  []string
	ended    []Action
	updated  []string
	startErr error
	endErr   error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) JobStarted(_ context.Context, j job.Job) (job.Job, error) {
	if s.startErr != nil {
		return j, s.startErr
	}
	s.started = append(s.started, j.ID)
	j.NotificationMessages = map[string]string{s.name + "_start": "handle"}
	return j, nil
}

func (s *recordingSink) JobEnded(_ context.Context, j job.Job, action Action) error {
	if s.endErr != nil {
		return s.endErr
	}
	s.ended = append(s.ended, action)
	return nil
}

func (s *recordingSink) UpdateWithWandbURL(_ context.Context, j job.Job) error {
	s.updated = append(s.updated, j.ID)
	return nil
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, ActionCompleted, ActionFor(job.StatusCompleted))
	assert.Equal(t, ActionKilled, ActionFor(job.StatusKilled))
	assert.Equal(t, ActionFailed, ActionFor(job.StatusFailed))
}

func TestDispatcherRoutesToSubscribedSinks(t *testing.T) {
	sink := &recordingSink{name: "discord"}
	other := &recordingSink{name: "phone"}
	d := &Dispatcher{sinks: map[string]Sink{}, logger: zaptest.NewLogger(t).Sugar()}
	d.register(sink)
	d.register(other)

	j := job.Job{ID: "abc123", Notifications: []string{"discord"}, Status: job.StatusCompleted}

	updated, err := d.JobStarted(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123"}, sink.started)
	assert.Empty(t, other.started, "unsubscribed channels stay silent")
	assert.Equal(t, "handle", updated.NotificationMessages["discord_start"])

	_, err = d.JobEnded(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionCompleted}, sink.ended)

	require.NoError(t, d.UpdateWithWandbURL(context.Background(), j))
	assert.Equal(t, []string{"abc123"}, sink.updated)
}

func TestDispatcherToleratesFailures(t *testing.T) {
	broken := &recordingSink{name: "discord", startErr: assert.AnError, endErr: assert.AnError}
	d := &Dispatcher{sinks: map[string]Sink{}, logger: zaptest.NewLogger(t).Sugar()}
	d.register(broken)

	j := job.Job{ID: "abc123", Notifications: []string{"discord"}, Status: job.StatusFailed}

	// Delivery failures never propagate to the lifecycle transition
	updated, err := d.JobStarted(context.Background(), j)
	require.NoError(t, err)
	assert.Nil(t, updated.NotificationMessages)

	_, err = d.JobEnded(context.Background(), j)
	require.NoError(t, err)
}

func TestDispatcherIgnoresUnknownChannels(t *testing.T) {
	d := &Dispatcher{sinks: map[string]Sink{}, logger: zaptest.NewLogger(t).Sugar()}

	j := job.Job{ID: "abc123", Notifications: []string{"pigeon"}}
	_, err := d.JobStarted(context.Background(), j)
	require.NoError(t, err)
	_, err = d.JobEnded(context.Background(), j)
	require.NoError(t, err)
}

func TestNewDispatcherRegistersStandardSinks(t *testing.T) {
	d := NewDispatcher(&fakeLogReader{}, zaptest.NewLogger(t).Sugar())
	assert.Contains(t, d.sinks, job.NotificationDiscord)
	assert.Contains(t, d.sinks, job.NotificationPhone)
}

func TestPhoneSinkIsANoOp(t *testing.T) {
	s := NewPhoneSink(zaptest.NewLogger(t).Sugar())
	j := job.Job{ID: "abc123", Env: map[string]string{"PHONE_TO_NUMBER": "+15551234"}}

	updated, err := s.JobStarted(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, j.ID, updated.ID)
	assert.NoError(t, s.JobEnded(context.Background(), j, ActionFailed))
	assert.NoError(t, s.UpdateWithWandbURL(context.Background(), j))
}
