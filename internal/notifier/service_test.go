package notifier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	logx "dosewatch/pkg/logx"
)

type countingSender struct {
	name  string
	calls atomic.Int32
	fail  int32 // fail the first n calls
	err   error
}

func (c *countingSender) Name() string { return c.name }

func (c *countingSender) Send(ctx context.Context, m Message) error {
	if n := c.calls.Add(1); n <= c.fail {
		return c.err
	}
	return nil
}

func fastConfig() Config {
	return Config{
		RatePerSec:    1000,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		SendTimeout:   time.Second,
	}
}

func TestSendRoutesByAddress(t *testing.T) {
	t.Parallel()
	mail := &countingSender{name: "smtp"}
	tg := &countingSender{name: "telegram"}
	s := NewWithSenders(fastConfig(), logx.Nop(), mail, tg)

	if err := s.Send(context.Background(), Message{To: "pat@example.com", Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), Message{To: "tg:42", Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if mail.calls.Load() != 1 || tg.calls.Load() != 1 {
		t.Fatalf("smtp=%d telegram=%d", mail.calls.Load(), tg.calls.Load())
	}
}

func TestSendRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	mail := &countingSender{name: "smtp", fail: 2, err: errors.New("connection reset")}
	s := NewWithSenders(fastConfig(), logx.Nop(), mail, nil)

	if err := s.Send(context.Background(), Message{To: "pat@example.com", Text: "hi", Key: "k"}); err != nil {
		t.Fatalf("Send() = %v", err)
	}
	if got := mail.calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	h := s.History()
	if len(h) != 1 || h[0].Attempts != 3 || h[0].Error != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestSendGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()
	boom := errors.New("server busy")
	mail := &countingSender{name: "smtp", fail: 100, err: boom}
	s := NewWithSenders(fastConfig(), logx.Nop(), mail, nil)

	err := s.Send(context.Background(), Message{To: "pat@example.com", Text: "hi"})
	if !errors.Is(err, boom) {
		t.Fatalf("Send() = %v", err)
	}
	if got := mail.calls.Load(); got != 4 {
		t.Fatalf("calls = %d, want 1 + 3 retries", got)
	}
}

func TestSendPermanentErrorNotRetried(t *testing.T) {
	t.Parallel()
	bad := errors.New("mailbox unavailable")
	mail := &countingSender{name: "smtp", fail: 100, err: backoff.Permanent(bad)}
	s := NewWithSenders(fastConfig(), logx.Nop(), mail, nil)

	if err := s.Send(context.Background(), Message{To: "pat@example.com", Text: "hi"}); !errors.Is(err, bad) {
		t.Fatalf("Send() = %v", err)
	}
	if got := mail.calls.Load(); got != 1 {
		t.Fatalf("calls = %d", got)
	}
}

func TestSendStopsAtContextDeadline(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.RetryMax = 1000
	cfg.RetryBase = 20 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	mail := &countingSender{name: "smtp", fail: 1 << 30, err: errors.New("down")}
	s := NewWithSenders(cfg, logx.Nop(), mail, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := s.Send(ctx, Message{To: "pat@example.com", Text: "hi"}); err == nil {
		t.Fatal("expected failure")
	}
	if el := time.Since(start); el > time.Second {
		t.Fatalf("retries outlived the context: %s", el)
	}
}

func TestSendWithoutTransport(t *testing.T) {
	t.Parallel()
	s := NewWithSenders(fastConfig(), logx.Nop(), nil, nil)
	err := s.Send(context.Background(), Message{To: "tg:7", Text: "hi"})
	if !errors.Is(err, ErrNoTransport) {
		t.Fatalf("Send() = %v", err)
	}
	if err := s.Send(context.Background(), Message{To: "", Text: "hi"}); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Send() = %v", err)
	}
}

func TestDryRunUsesLogSender(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.DryRun = true
	s, err := New(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), Message{To: "pat@example.com", Subject: "s", Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if h := s.History(); len(h) != 1 || h[0].Transport != "log" {
		t.Fatalf("history = %+v", h)
	}
}

func TestApplyRejectsIncompleteTransport(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.SMTP = SMTPConfig{Enabled: true, Host: "smtp.example.com"}
	if _, err := New(cfg, logx.Nop()); err == nil {
		t.Fatal("smtp without from address must fail")
	}
	cfg.SMTP = SMTPConfig{}
	cfg.Telegram = TelegramConfig{Enabled: true}
	if _, err := New(cfg, logx.Nop()); err == nil {
		t.Fatal("telegram without token must fail")
	}
}

func TestSMTPSenderBuildsClient(t *testing.T) {
	t.Parallel()
	m, err := newSMTPSender(SMTPConfig{
		Host:     "smtp.example.com",
		Port:     2525,
		Username: "user",
		Password: "secret",
		From:     "dosewatch@example.com",
		TLS:      "opportunistic",
	}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if m.Name() != "smtp" {
		t.Fatalf("name = %s", m.Name())
	}
}

func TestSMTPSenderPortWithImplicitTLS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		tls  string
		port int
		want string
	}{
		{"ssl", 2465, "smtp.example.com:2465"},
		{"implicit", 0, "smtp.example.com:465"},
		{"mandatory", 2587, "smtp.example.com:2587"},
	}
	for _, tt := range tests {
		m, err := newSMTPSender(SMTPConfig{
			Host: "smtp.example.com",
			Port: tt.port,
			From: "dosewatch@example.com",
			TLS:  tt.tls,
		}, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if got := m.client.ServerAddr(); got != tt.want {
			t.Fatalf("tls=%s port=%d: addr = %s, want %s", tt.tls, tt.port, got, tt.want)
		}
	}
}
