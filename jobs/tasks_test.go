package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/quotedprintable"
	netmail "net/mail"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	jobmetrics "github.com/odyssey-erp/odyssey-iam/internal/jobs"
	"github.com/odyssey-erp/odyssey-iam/internal/users"
)

type recordingSender struct {
	sent []SendEmailPayload
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg SendEmailPayload) error {
	s.sent = append(s.sent, msg)
	return s.err
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func TestSendEmailJobDelivers(t *testing.T) {
	sender := &recordingSender{}
	job := NewSendEmailJob(sender, nil, testMetrics())

	task, err := NewSendEmailTask(SendEmailPayload{To: " ana@example.com ", Subject: "Hi", Body: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, TaskTypeSendEmail, task.Type())

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ana@example.com", sender.sent[0].To)
}

func TestSendEmailJobSkipsBadPayloads(t *testing.T) {
	sender := &recordingSender{}
	job := NewSendEmailJob(sender, nil, testMetrics())

	err := job.Handle(context.Background(), asynq.NewTask(TaskTypeSendEmail, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	task, err := NewSendEmailTask(SendEmailPayload{Subject: "no recipient"})
	require.NoError(t, err)
	assert.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
	assert.Empty(t, sender.sent)
}

func TestSendEmailJobRetriesSenderFailures(t *testing.T) {
	boom := errors.New("relay down")
	job := NewSendEmailJob(&recordingSender{err: boom}, nil, testMetrics())
	task, err := NewSendEmailTask(SendEmailPayload{To: "ana@example.com"})
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

type recordingQueue struct {
	payloads []SendEmailPayload
	err      error
}

func (q *recordingQueue) EnqueueSendEmail(_ context.Context, payload SendEmailPayload) (*asynq.TaskInfo, error) {
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{Queue: QueueDefault}, q.err
}

func TestConfirmationMailerQueuesLink(t *testing.T) {
	queue := &recordingQueue{}
	mailer := NewConfirmationMailer(queue, "https://iam.example.com/")

	user := users.User{ID: 7, Username: "ana", Email: "ana@example.com"}
	require.NoError(t, mailer.SendConfirmation(context.Background(), user, "abc_123"))
	require.Len(t, queue.payloads, 1)
	msg := queue.payloads[0]
	assert.Equal(t, "ana@example.com", msg.To)
	assert.Contains(t, msg.Body, "https://iam.example.com/confirm-email?token=abc_123")
	assert.Contains(t, msg.Body, "Hello ana")

	assert.Error(t, mailer.SendConfirmation(context.Background(), users.User{ID: 8}, "tok"))

	queue.err = errors.New("redis down")
	assert.ErrorContains(t, mailer.SendConfirmation(context.Background(), user, "abc_123"), "enqueue")
}

func TestSMTPSenderComposesMessage(t *testing.T) {
	var raw bytes.Buffer
	sender := NewSMTPSender("127.0.0.1", 1025, "no-reply@odyssey.local")
	sender.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	sender.deliver = func(_ context.Context, msg *mail.Msg) error {
		raw.Reset()
		_, err := msg.WriteTo(&raw)
		return err
	}

	cases := []struct {
		name    string
		subject string
	}{
		{name: "ascii", subject: "Hi"},
		{name: "non-ascii", subject: "Grüße aus Zürich"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := SendEmailPayload{To: "ana@example.com", Subject: tc.subject, Body: "line1\r\nline2\nline3"}
			require.NoError(t, sender.Send(context.Background(), payload))

			parsed, err := netmail.ReadMessage(bytes.NewReader(raw.Bytes()))
			require.NoError(t, err)
			subject, err := new(mime.WordDecoder).DecodeHeader(parsed.Header.Get("Subject"))
			require.NoError(t, err)
			assert.Equal(t, tc.subject, subject)
			for _, r := range parsed.Header.Get("Subject") {
				assert.Less(t, r, rune(128), "subject header must be 7-bit")
			}
			assert.Contains(t, parsed.Header.Get("From"), "no-reply@odyssey.local")
			assert.Contains(t, parsed.Header.Get("To"), "ana@example.com")
			assert.Equal(t, "quoted-printable", parsed.Header.Get("Content-Transfer-Encoding"))
			assert.NotContains(t, raw.String(), "\r\r\n")

			body, err := io.ReadAll(quotedprintable.NewReader(parsed.Body))
			require.NoError(t, err)
			assert.Contains(t, string(body), "line1")
			assert.Contains(t, string(body), "line3")
		})
	}

	err := sender.Send(context.Background(), SendEmailPayload{To: "ana@example.com\r\nBcc: x@example.com"})
	assert.ErrorContains(t, err, "header injection")

	err = sender.Send(context.Background(), SendEmailPayload{To: "not an address"})
	assert.ErrorContains(t, err, "recipient")
}

type stubPruner struct {
	cutoff time.Time
	err    error
}

func (p *stubPruner) PruneSessions(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return 3, p.err
}

func TestPruneSessionsJob(t *testing.T) {
	pruner := &stubPruner{}
	job := NewPruneSessionsJob(pruner, nil, testMetrics())
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return now }

	task, err := NewPruneSessionsTask(time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, now.Add(-time.Hour), pruner.cutoff)

	var payload PruneSessionsPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, time.Hour, payload.Grace)

	pruner.err = errors.New("db down")
	assert.Error(t, job.Handle(context.Background(), task))
	assert.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskPruneLoginSessions, []byte("x"))), asynq.SkipRetry)
}

func TestNewWorkerNeedsHandlers(t *testing.T) {
	_, err := NewWorker(WorkerConfig{})
	assert.Error(t, err)
}
