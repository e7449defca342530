package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nexusai/nexus/errors"
	"github.com/nexusai/nexus/internal/httpclient"
	"github.com/nexusai/nexus/job"
)

const (
	// StartMessageKey is where the editable start-message id lives in a
	// job's notification_messages map.
	StartMessageKey = "discord_start_job"

	discordEmbedColor = 4915310
	discordUsername   = "Nexus"
	discordTimeout    = 10 * time.Second

	failureLogLines = 20
)

var actionEmojis = map[Action]string{
	ActionStarted:   ":rocket:",
	ActionCompleted: ":checkered_flag:",
	ActionFailed:    ":interrobang:",
	ActionKilled:    ":octagonal_sign:",
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbed struct {
	Fields    []discordField `json:"fields"`
	Color     int            `json:"color"`
	Footer    discordFooter  `json:"footer"`
	Timestamp string         `json:"timestamp"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordMessage struct {
	Content  string         `json:"content"`
	Embeds   []discordEmbed `json:"embeds"`
	Username string         `json:"username"`
}

// DiscordSink delivers lifecycle messages to a per-job webhook. The
// webhook URL and mention target come from the job's own environment, so
// one server serves many users' webhooks.
type DiscordSink struct {
	client  *httpclient.SaferClient
	limiter *rate.Limiter
	logs    LogReader
	logger  *zap.SugaredLogger
}

// NewDiscordSink creates the sink. The limiter stays under Discord's
// webhook rate budget even when a burst of jobs finishes in one tick.
func NewDiscordSink(logs LogReader, logger *zap.SugaredLogger) *DiscordSink {
	return &DiscordSink{
		client:  httpclient.NewSaferClient(discordTimeout),
		limiter: rate.NewLimiter(rate.Limit(0.5), 5),
		logs:    logs,
		logger:  logger,
	}
}

func (s *DiscordSink) Name() string { return job.NotificationDiscord }

// JobStarted posts the launch message with wait=true so Discord returns
// the message id, which we keep for the later W&B edit.
func (s *DiscordSink) JobStarted(ctx context.Context, j job.Job) (job.Job, error) {
	webhookURL, _, err := discordSecrets(j)
	if err != nil {
		return j, err
	}

	msg := s.buildMessage(j, ActionStarted)
	messageID, err := s.send(ctx, webhookURL, msg, true)
	if err != nil {
		return j, err
	}
	if messageID != "" {
		messages := make(map[string]string, len(j.NotificationMessages)+1)
		for k, v := range j.NotificationMessages {
			messages[k] = v
		}
		messages[StartMessageKey] = messageID
		j.NotificationMessages = messages
	}
	return j, nil
}

// JobEnded posts the terminal message, attaching the log tail on
// failures and kills.
func (s *DiscordSink) JobEnded(ctx context.Context, j job.Job, action Action) error {
	webhookURL, _, err := discordSecrets(j)
	if err != nil {
		return err
	}

	msg := s.buildMessage(j, action)
	if (action == ActionFailed || action == ActionKilled) && j.Dir != nil {
		if tail, logErr := s.logs.ReadLogs(j, failureLogLines); logErr == nil && tail != "" {
			msg.Embeds[0].Fields = append(msg.Embeds[0].Fields, discordField{
				Name:  "Last few log lines",
				Value: "```\n" + tail + "\n```",
			})
		}
	}

	_, err = s.send(ctx, webhookURL, msg, false)
	return err
}

// UpdateWithWandbURL edits the start message in place so the run link
// lands where people already looked.
func (s *DiscordSink) UpdateWithWandbURL(ctx context.Context, j job.Job) error {
	webhookURL, _, err := discordSecrets(j)
	if err != nil {
		return err
	}
	messageID := j.NotificationMessages[StartMessageKey]
	if j.WandbURL == nil || messageID == "" {
		return errors.New("no editable start message recorded for job")
	}

	msg := s.buildMessage(j, ActionStarted)
	return s.edit(ctx, webhookURL, messageID, msg)
}

func (s *DiscordSink) buildMessage(j job.Job, action Action) discordMessage {
	_, userID, _ := discordSecrets(j)

	title := fmt.Sprintf("%s - **Job %s %s on GPUs %v** - <@%s>",
		actionEmojis[action], j.ID, action, j.GPUIdxs, userID)

	wandbValue := "Not Found"
	switch {
	case j.WandbURL != nil:
		wandbValue = *j.WandbURL
	case action == ActionStarted:
		wandbValue = "Pending ..."
	}

	fields := []discordField{
		{Name: "Command", Value: j.Command},
		{Name: "W&B", Value: wandbValue},
		{Name: "Git", Value: fmt.Sprintf("%s (%s) - Branch: %s", j.GitTag, j.GitRepoURL, j.GitBranch)},
		{Name: "User", Value: j.User, Inline: true},
		{Name: "GPUs", Value: fmt.Sprintf("%v", j.GPUIdxs), Inline: true},
		{Name: "Node", Value: j.NodeName, Inline: true},
	}
	if j.ErrorMessage != nil && (action == ActionCompleted || action == ActionFailed) {
		rest := append([]discordField{fields[0], {Name: "Error Message", Value: *j.ErrorMessage}}, fields[1:]...)
		fields = rest
	}

	return discordMessage{
		Content: title,
		Embeds: []discordEmbed{{
			Fields:    fields,
			Color:     discordEmbedColor,
			Footer:    discordFooter{Text: "Job Status Update • " + j.ID},
			Timestamp: time.Now().Format(time.RFC3339),
		}},
		Username: discordUsername,
	}
}

// send posts a webhook message. With wait set, Discord returns the
// created message as JSON and we extract its id.
func (s *DiscordSink) send(ctx context.Context, webhookURL string, msg discordMessage, wait bool) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", errors.Wrap(err, "rate limiter interrupted")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode discord message")
	}

	url := webhookURL
	if wait {
		url += "?wait=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to build discord request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "discord webhook request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.Newf("discord webhook returned status %d: %s", resp.StatusCode, text)
	}

	if !wait {
		return "", nil
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", errors.Wrap(err, "failed to decode discord response")
	}
	return created.ID, nil
}

func (s *DiscordSink) edit(ctx context.Context, webhookURL, messageID string, msg discordMessage) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter interrupted")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode discord message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		webhookURL+"/messages/"+messageID, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build discord edit request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "discord edit request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Newf("discord edit returned status %d: %s", resp.StatusCode, text)
	}
	return nil
}

func discordSecrets(j job.Job) (webhookURL, userID string, err error) {
	webhookURL = j.Env["DISCORD_WEBHOOK_URL"]
	if webhookURL == "" {
		return "", "", errors.New("missing DISCORD_WEBHOOK_URL in job environment")
	}
	userID = j.Env["DISCORD_USER_ID"]
	if userID == "" {
		return "", "", errors.New("missing DISCORD_USER_ID in job environment")
	}
	return webhookURL, userID, nil
}
