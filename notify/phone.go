package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/nexusai/nexus/job"
)

// PhoneSink accepts the phone channel contract without a transport wired
// in. Submissions validate PHONE_TO_NUMBER up front; dispatch records
// that no SMS provider is configured instead of failing the job.
type PhoneSink struct {
	logger *zap.SugaredLogger
}

// NewPhoneSink creates the placeholder phone sink.
func NewPhoneSink(logger *zap.SugaredLogger) *PhoneSink {
	return &PhoneSink{logger: logger}
}

func (s *PhoneSink) Name() string { return job.NotificationPhone }

func (s *PhoneSink) JobStarted(_ context.Context, j job.Job) (job.Job, error) {
	s.skip(j, ActionStarted)
	return j, nil
}

func (s *PhoneSink) JobEnded(_ context.Context, j job.Job, action Action) error {
	s.skip(j, action)
	return nil
}

func (s *PhoneSink) UpdateWithWandbURL(_ context.Context, _ job.Job) error {
	return nil
}

func (s *PhoneSink) skip(j job.Job, action Action) {
	s.logger.Infow("Phone notification requested but no SMS transport is configured",
		"job_id", j.ID, "action", action, "to", j.Env["PHONE_TO_NUMBER"])
}
