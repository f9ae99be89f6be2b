package notifier

import (
	"context"
	"time"
)

// Message is one outbound notification.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string // optional alternative body for e-mail
	Key     string // occurrence key, for logs and history only
}

// Sender is a single delivery transport.
type Sender interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, m Message) error

func (f SenderFunc) Name() string                              { return "func" }
func (f SenderFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

// Config controls rate limiting, retries and transports.
type Config struct {
	RatePerSec    int
	Burst         int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	// DryRun logs messages instead of delivering them.
	DryRun bool

	SMTP     SMTPConfig
	Telegram TelegramConfig
}

type SMTPConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLS is one of "mandatory" (default), "opportunistic", "none" or "ssl".
	TLS string
}

type TelegramConfig struct {
	Enabled bool
	Token   string
}

type HistoryItem struct {
	At        time.Time `json:"at"`
	Transport string    `json:"transport"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Key       string    `json:"key,omitempty"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
}
