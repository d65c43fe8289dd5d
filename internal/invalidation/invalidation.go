// Package invalidation broadcasts tenant config changes over NATS so every
// process holding cached config drops it.
//
// A message names one tenant. An empty tenant id means every tenant.
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crmstore/internal/logging"
)

const (
	// DefaultSubject is the subject used when none is configured.
	DefaultSubject = "crmstore.config.invalidate"

	// DefaultFlushTimeout bounds Flush when ctx carries no deadline.
	DefaultFlushTimeout = 5 * time.Second
)

// Message is the payload published on the invalidation subject.
type Message struct {
	TenantID string    `json:"tenant_id"`
	At       time.Time `json:"at"`
}

// Clearer drops cached state.
type Clearer interface {
	Clear(tenantID string)
	ClearAll()
}

// Connect dials NATS with the reconnect policy used across crmstore.
func Connect(url string, logger *logging.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, errors.New("nats url cannot be empty")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name("crmstore"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Publisher announces config changes.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *logging.Logger
}

// NewPublisher publishes on subject, or DefaultSubject when empty.
func NewPublisher(nc *nats.Conn, subject string, logger *logging.Logger) (*Publisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection cannot be nil")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Publisher{nc: nc, subject: subject, logger: logger.Named("invalidation")}, nil
}

// Publish announces that tenantID's config changed. An empty id announces
// a change to every tenant.
func (p *Publisher) Publish(ctx context.Context, tenantID string) error {
	data, err := json.Marshal(Message{TenantID: tenantID, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	p.logger.Debug(ctx, "published invalidation", zap.String("subject", p.subject), zap.String("tenant", tenantID))
	return nil
}

// Flush waits until published messages reached the server. nats refuses
// to flush on a context without a deadline, so one is added when missing.
func (p *Publisher) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultFlushTimeout)
		defer cancel()
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush invalidations: %w", err)
	}
	return nil
}

// Clear publishes an invalidation for tenantID, logging failures. It lets a
// Publisher stand in wherever a local cache would be cleared.
func (p *Publisher) Clear(tenantID string) {
	ctx := context.Background()
	if err := p.Publish(ctx, tenantID); err != nil {
		p.logger.Error(ctx, "invalidation not sent", zap.String("tenant", tenantID), zap.Error(err))
	}
}

// ClearAll publishes an invalidation for every tenant.
func (p *Publisher) ClearAll() {
	p.Clear("")
}

// Subscription applies received invalidations to a Clearer.
type Subscription struct {
	sub    *nats.Subscription
	target Clearer
	logger *logging.Logger
}

// Subscribe clears target on every message received on subject, or
// DefaultSubject when empty.
func Subscribe(nc *nats.Conn, subject string, target Clearer, logger *logging.Logger) (*Subscription, error) {
	if nc == nil {
		return nil, errors.New("nats connection cannot be nil")
	}
	if target == nil {
		return nil, errors.New("clear target cannot be nil")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Subscription{target: target, logger: logger.Named("invalidation")}
	sub, err := nc.Subscribe(subject, s.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	return s, nil
}

func (s *Subscription) handle(msg *nats.Msg) {
	ctx := context.Background()
	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		// The sender meant to invalidate something; dropping everything is
		// the only safe reading.
		s.logger.Warn(ctx, "malformed invalidation, clearing all tenants", zap.Error(err))
		s.target.ClearAll()
		return
	}
	if m.TenantID == "" {
		s.logger.Info(ctx, "clearing all tenants")
		s.target.ClearAll()
		return
	}
	s.logger.Info(ctx, "clearing tenant", zap.String("tenant", m.TenantID))
	s.target.Clear(m.TenantID)
}

// Close unsubscribes.
func (s *Subscription) Close() error {
	return s.sub.Unsubscribe()
}
