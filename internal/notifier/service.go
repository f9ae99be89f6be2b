package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"dosewatch/internal/schedule"
	logx "dosewatch/pkg/logx"
)

var (
	ErrNoTransport = errors.New("no transport for address")
	ErrEmpty       = errors.New("empty message")
)

const historySize = 300

// Service is safe for concurrent use.
type Service struct {
	mu       sync.RWMutex
	log      logx.Logger
	cfg      Config
	limiter  *rate.Limiter
	email    Sender
	telegram Sender
	dry      Sender

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the transports enabled in cfg.
func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log.With(logx.String("comp", "notifier"))}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithSenders is used by callers that bring their own transports.
// Nil senders disable the corresponding route.
func NewWithSenders(cfg Config, log logx.Logger, email, telegram Sender) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log.With(logx.String("comp", "notifier")), email: email, telegram: telegram}
	s.cfg = withDefaults(cfg)
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.Burst)
	s.dry = logSender{log: s.log}
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 8 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	return cfg
}

// Apply swaps in a new configuration, rebuilding transports.
// On error the previous configuration stays active.
func (s *Service) Apply(cfg Config) error {
	cfg = withDefaults(cfg)

	var email, tg Sender
	if cfg.SMTP.Enabled {
		m, err := newSMTPSender(cfg.SMTP, cfg.SendTimeout)
		if err != nil {
			return fmt.Errorf("smtp: %w", err)
		}
		email = m
	}
	if cfg.Telegram.Enabled {
		t, err := newTelegramSender(cfg.Telegram, cfg.SendTimeout)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		tg = t
	}

	s.mu.Lock()
	s.cfg = cfg
	// Token bucket: burst absorbs the many doses sharing a popular minute.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	s.email = email
	s.telegram = tg
	s.dry = logSender{log: s.log}
	s.mu.Unlock()

	s.log.Debug("notifier configured",
		logx.Bool("smtp", email != nil),
		logx.Bool("telegram", tg != nil),
		logx.Bool("dry_run", cfg.DryRun),
		logx.Int("rate_per_sec", cfg.RatePerSec),
	)
	return nil
}

func (s *Service) route(to string) (Sender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg.DryRun {
		return s.dry, nil
	}
	if _, ok := schedule.TelegramChatID(to); ok {
		if s.telegram == nil {
			return nil, fmt.Errorf("%w: %s (telegram disabled)", ErrNoTransport, to)
		}
		return s.telegram, nil
	}
	if s.email == nil {
		return nil, fmt.Errorf("%w: %s (smtp disabled)", ErrNoTransport, to)
	}
	return s.email, nil
}

// Send delivers m, retrying transient failures until RetryMax is exhausted or
// ctx is done. Callers bound the whole operation through ctx.
func (s *Service) Send(ctx context.Context, m Message) error {
	if m.To == "" || (m.Text == "" && m.HTML == "") {
		return ErrEmpty
	}
	sender, err := s.route(m.To)
	if err != nil {
		s.record(m, "-", 0, err)
		return err
	}

	s.mu.RLock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.RUnlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBase
	bo.MaxInterval = cfg.RetryMaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0
	op := func() error {
		if err := lim.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		err := sender.Send(callCtx, m)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.log.Debug("notify send failed",
			logx.String("transport", sender.Name()),
			logx.String("key", m.Key),
			logx.Int("attempt", attempts),
			logx.Duration("retry_in", wait),
			logx.Err(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.RetryMax)), ctx)
	err = backoff.RetryNotify(op, policy, notify)
	s.record(m, sender.Name(), attempts, err)
	if err != nil {
		return fmt.Errorf("%s send to %s: %w", sender.Name(), m.To, err)
	}
	return nil
}

func (s *Service) record(m Message, transport string, attempts int, err error) {
	it := HistoryItem{
		At:        time.Now(),
		Transport: transport,
		To:        m.To,
		Subject:   m.Subject,
		Key:       m.Key,
		Attempts:  attempts,
	}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// logSender writes messages to the log instead of delivering them.
type logSender struct {
	log logx.Logger
}

func (l logSender) Name() string { return "log" }

func (l logSender) Send(ctx context.Context, m Message) error {
	l.log.Info("notification (dry run)",
		logx.String("to", m.To),
		logx.String("subject", m.Subject),
		logx.String("key", m.Key),
		logx.String("text", m.Text),
	)
	return nil
}
