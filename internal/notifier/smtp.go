package notifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wneessen/go-mail"
)

type smtpSender struct {
	client *mail.Client
	from   string
}

func newSMTPSender(cfg SMTPConfig, timeout time.Duration) (*smtpSender, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("from is required")
	}

	opts := []mail.Option{mail.WithTimeout(timeout)}
	switch strings.ToLower(strings.TrimSpace(cfg.TLS)) {
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	case "opportunistic":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	case "ssl", "implicit":
		opts = append(opts, mail.WithSSLPort(false))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	// After the TLS option: WithSSLPort resets the port to 465.
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	c, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, err
	}
	return &smtpSender{client: c, from: cfg.From}, nil
}

func (s *smtpSender) Name() string { return "smtp" }

func (s *smtpSender) Send(ctx context.Context, m Message) error {
	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return backoff.Permanent(err)
	}
	if err := msg.To(m.To); err != nil {
		return backoff.Permanent(err)
	}
	msg.Subject(m.Subject)
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextPlain, m.Text)
	if m.HTML != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, m.HTML)
	}

	err := s.client.DialAndSendWithContext(ctx, msg)
	var se *mail.SendError
	if errors.As(err, &se) && !se.IsTemp() && se.ErrorCode() >= 500 {
		// 5xx replies (unknown mailbox, rejected content) will not improve on retry.
		return backoff.Permanent(err)
	}
	return err
}
