package jobs

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-iam/internal/users"
)

// Enqueuer queues mail tasks. *Client satisfies it.
type Enqueuer interface {
	EnqueueSendEmail(ctx context.Context, payload SendEmailPayload) (*asynq.TaskInfo, error)
}

// ConfirmationMailer queues confirmation mails for users.Service.
type ConfirmationMailer struct {
	queue   Enqueuer
	baseURL string
}

// NewConfirmationMailer builds links below baseURL.
func NewConfirmationMailer(queue Enqueuer, baseURL string) *ConfirmationMailer {
	return &ConfirmationMailer{queue: queue, baseURL: strings.TrimRight(baseURL, "/")}
}

// SendConfirmation implements users.ConfirmationSender.
func (m *ConfirmationMailer) SendConfirmation(ctx context.Context, user users.User, token string) error {
	if user.Email == "" || token == "" {
		return fmt.Errorf("confirmation mail: user %d has no email or token", user.ID)
	}
	link := m.baseURL + "/confirm-email?token=" + url.QueryEscape(token)
	body := fmt.Sprintf("Hello %s,\n\nplease confirm your email address by opening\n\n%s\n\n"+
		"If you did not expect this message you can ignore it.\n", user.Username, link)
	_, err := m.queue.EnqueueSendEmail(ctx, SendEmailPayload{
		To:      user.Email,
		Subject: "Confirm your email address",
		Body:    body,
	})
	if err != nil {
		return fmt.Errorf("confirmation mail: enqueue: %w", err)
	}
	return nil
}

var _ users.ConfirmationSender = (*ConfirmationMailer)(nil)
