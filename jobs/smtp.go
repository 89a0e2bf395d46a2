package jobs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// SMTPSender delivers mail through a plain SMTP relay such as Mailpit or a
// local MTA. STARTTLS is used when the relay offers it.
type SMTPSender struct {
	Host    string
	Port    int
	From    string
	Timeout time.Duration
	deliver func(ctx context.Context, msg *mail.Msg) error
	now     func() time.Time
}

// NewSMTPSender returns a sender for host:port.
func NewSMTPSender(host string, port int, from string) *SMTPSender {
	s := &SMTPSender{
		Host:    host,
		Port:    port,
		From:    from,
		Timeout: 15 * time.Second,
		now:     time.Now,
	}
	s.deliver = s.dial
	return s
}

// Send implements MailSender.
func (s *SMTPSender) Send(ctx context.Context, msg SendEmailPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(msg.To, "\r\n") || strings.ContainsAny(msg.Subject, "\r\n") {
		return errors.New("smtp: header injection in recipient or subject")
	}
	m, err := s.compose(msg)
	if err != nil {
		return err
	}
	if err := s.deliver(ctx, m); err != nil {
		return fmt.Errorf("smtp: send to %s: %w", s.addr(), err)
	}
	return nil
}

func (s *SMTPSender) compose(msg SendEmailPayload) (*mail.Msg, error) {
	m := mail.NewMsg(mail.WithCharset(mail.CharsetUTF8), mail.WithEncoding(mail.EncodingQP))
	if err := m.From(s.From); err != nil {
		return nil, fmt.Errorf("smtp: from %q: %w", s.From, err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("smtp: recipient %q: %w", msg.To, err)
	}
	m.Subject(msg.Subject)
	m.SetDateWithValue(s.now().UTC())
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

func (s *SMTPSender) dial(ctx context.Context, msg *mail.Msg) error {
	client, err := mail.NewClient(s.Host,
		mail.WithPort(s.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(s.Timeout),
	)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}

func (s *SMTPSender) addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
