// Package session contains the supervision core: per-user streaming
// sessions, the registry that owns them, and boot recovery.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"binance-userstream-supervisor/internal/domain"
	"binance-userstream-supervisor/internal/metrics"
	"binance-userstream-supervisor/internal/normalizer"
	"binance-userstream-supervisor/internal/storage"
	binance "binance-userstream-supervisor/internal/transport/binance"
	"binance-userstream-supervisor/pkg/backoff"
	"binance-userstream-supervisor/pkg/logger"
)

var tracer = otel.Tracer("supervisor/session")

// State is the lifecycle phase of one Session.
type State string

const (
	StateStarting State = "starting"
	StateOpen     State = "open"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
)

// TokenService issues and renews the listen key that authorises a user
// data stream. Implemented by transport/binance.RESTClient.
type TokenService interface {
	IssueListenKey(ctx context.Context, apiKey string) (string, error)
	RenewListenKey(ctx context.Context, apiKey, listenKey string) error
	CloseListenKey(ctx context.Context, apiKey, listenKey string) error
}

// StreamDialer opens the frame stream for an issued listen key.
// Implemented by transport/binance.WSDialer.
type StreamDialer interface {
	Stream(ctx context.Context, listenKey string) (<-chan binance.RawFrame, error)
}

// OperationPublisher pushes normalized records to the optional
// downstream feed. A nil publisher disables the feed.
type OperationPublisher interface {
	PublishOperation(ctx context.Context, userID string, rec domain.OperationRecord) error
}

// Deps are the collaborators a Session (and the Registry) depends on.
type Deps struct {
	Tokens     TokenService
	Dialer     StreamDialer
	Store      storage.Storage
	Normalizer *normalizer.Normalizer
	Publisher  OperationPublisher
	Log        *logger.Logger
}

// Config holds per-session tunables.
type Config struct {
	// RenewInterval is the listen-key renewal cadence; it must sit well
	// inside the venue's ~60m validity window.
	RenewInterval time.Duration `mapstructure:"renew_interval"`

	// IssueBackoff bounds retries of listen-key issuance on transient
	// failures during start.
	IssueBackoff backoff.Config `mapstructure:"issue_backoff"`

	// UpsertBackoff bounds retries of a single operation merge-write.
	UpsertBackoff backoff.Config `mapstructure:"upsert_backoff"`
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.RenewInterval <= 0 {
		c.RenewInterval = 30 * time.Minute
	}
	if c.IssueBackoff.MaxElapsedTime <= 0 {
		c.IssueBackoff.MaxElapsedTime = 30 * time.Second
	}
	if c.UpsertBackoff.MaxElapsedTime <= 0 {
		c.UpsertBackoff.MaxElapsedTime = 10 * time.Second
	}
}

// Session is one user's live subscription to the execution-event
// stream. It owns the socket, the renewal ticker and the listen key.
// Lifecycle transitions are driven by the Registry.
type Session struct {
	userID string
	apiKey string

	cfg  Config
	deps Deps
	log  *logger.Logger

	// onClose is invoked (in its own goroutine) when the stream ends
	// without an explicit Stop; the Registry decides whether to restart.
	onClose func(userID string, s *Session)

	mu        sync.Mutex
	state     State
	listenKey string
	issuedAt  time.Time
	renewedAt time.Time

	cancel    context.CancelFunc
	done      chan struct{}
	renewDone chan struct{}
}

func newSession(userID, apiKey string, cfg Config, deps Deps, onClose func(string, *Session)) *Session {
	return &Session{
		userID:    userID,
		apiKey:    apiKey,
		cfg:       cfg,
		deps:      deps,
		log:       deps.Log.Named("session").With(zap.String("user_id", userID)),
		onClose:   onClose,
		state:     StateStarting,
		done:      make(chan struct{}),
		renewDone: make(chan struct{}),
	}
}

// Status is the observable snapshot of a Session.
type Status struct {
	UserID    string    `json:"user_id"`
	State     State     `json:"state"`
	IssuedAt  time.Time `json:"token_issued_at,omitempty"`
	RenewedAt time.Time `json:"token_renewed_at,omitempty"`
}

// Status returns the current snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{UserID: s.userID, State: s.state, IssuedAt: s.issuedAt, RenewedAt: s.renewedAt}
}

func (s *Session) cancelSession() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// start obtains a listen key and opens the stream. On any failure the
// session ends Closed and the error is returned to the caller; there is
// no automatic retry beyond the bounded issue backoff.
//
// startCtx bounds the start attempt (the caller's request); runCtx is
// the lifetime of the running session.
func (s *Session) start(startCtx, runCtx context.Context) error {
	var listenKey string
	err := backoff.Execute(startCtx, s.cfg.IssueBackoff, "issue-listen-key", s.log, func(ctx context.Context) error {
		key, err := s.deps.Tokens.IssueListenKey(ctx, s.apiKey)
		if err != nil {
			if binance.IsAuth(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		listenKey = key
		return nil
	})
	if err != nil {
		s.setState(StateClosed)
		close(s.done)
		close(s.renewDone)
		return fmt.Errorf("issue listen key: %w", err)
	}

	sessCtx, cancel := context.WithCancel(runCtx)

	frames, err := s.deps.Dialer.Stream(sessCtx, listenKey)
	if err != nil {
		cancel()
		s.setState(StateClosed)
		close(s.done)
		close(s.renewDone)
		return fmt.Errorf("open user stream: %w", err)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.state = StateOpen
	s.listenKey = listenKey
	s.issuedAt = now
	s.renewedAt = now
	s.cancel = cancel
	s.mu.Unlock()

	metrics.SessionsActive.Inc()
	s.log.Info("session open", zap.Time("issued_at", now))

	go s.renewLoop(sessCtx)
	go s.run(sessCtx, frames)
	return nil
}

// run consumes frames until the stream closes. Frames for one order id
// are processed in arrival order: this loop is the only writer for this
// user.
func (s *Session) run(ctx context.Context, frames <-chan binance.RawFrame) {
	defer close(s.done)
	defer metrics.SessionsActive.Dec()
	// the stream ending for any reason ends the whole session,
	// renewal loop included
	defer s.cancelSession()

	for frame := range frames {
		switch frame.Type {
		case binance.TypeMalformed:
			metrics.MalformedFrames.Inc()
			s.log.Warn("dropping malformed frame", zap.Int("size", len(frame.Data)))
		case normalizer.EventTypeExecutionReport:
			s.handleExecutionReport(ctx, frame.Data)
		default:
			// other user-stream events (account position, balance) are
			// not this service's concern
		}
	}

	s.mu.Lock()
	closing := s.state == StateClosing
	s.state = StateClosed
	s.mu.Unlock()

	if !closing && ctx.Err() == nil {
		s.log.Warn("user stream closed unexpectedly")
		if s.onClose != nil {
			go s.onClose(s.userID, s)
		}
		return
	}
	s.log.Info("session closed")
}

func (s *Session) handleExecutionReport(ctx context.Context, data []byte) {
	ctx, span := tracer.Start(ctx, "session.execution_report",
		trace.WithAttributes(attribute.String("user_id", s.userID)))
	defer span.End()

	ctx = logger.ContextWithTraceID(ctx, span.SpanContext().TraceID().String())
	log := s.log.WithContext(ctx)

	rec, ok := s.deps.Normalizer.Normalize(data)
	if !ok {
		metrics.MalformedFrames.Inc()
		log.Warn("dropping unparseable execution report")
		return
	}
	span.SetAttributes(attribute.String("order_id", rec.OrderID))

	upsertCtx, upsertSpan := tracer.Start(ctx, "storage.upsert_operation")
	err := backoff.Execute(upsertCtx, s.cfg.UpsertBackoff, "upsert-operation", s.log, func(ctx context.Context) error {
		return s.deps.Store.UpsertOperation(ctx, s.userID, rec)
	})
	if err != nil {
		upsertSpan.RecordError(err)
		upsertSpan.End()
		metrics.StorageErrors.Inc()
		log.Error("operation write failed, frame dropped",
			zap.String("order_id", rec.OrderID), zap.Error(err))
		return
	}
	upsertSpan.End()
	metrics.OperationsUpserted.Inc()

	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishOperation(ctx, s.userID, rec); err != nil {
			span.RecordError(err)
			metrics.PublishErrors.Inc()
			log.Warn("operation feed publish failed", zap.String("order_id", rec.OrderID), zap.Error(err))
		}
	}
}

// renewLoop keeps the listen key alive. A failed renewal is logged and
// retried on the next tick; it does not close the socket by itself.
func (s *Session) renewLoop(ctx context.Context) {
	defer close(s.renewDone)
	ticker := time.NewTicker(s.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			key := s.listenKey
			s.mu.Unlock()

			if err := s.deps.Tokens.RenewListenKey(ctx, s.apiKey, key); err != nil {
				metrics.RenewalErrors.Inc()
				s.log.Warn("listen key renewal failed, will retry next tick", zap.Error(err))
				continue
			}
			metrics.RenewalsTotal.Inc()
			s.mu.Lock()
			s.renewedAt = time.Now().UTC()
			s.mu.Unlock()
			s.log.Debug("listen key renewed")
		}
	}
}

// stop tears the session down deterministically: after it returns no
// timer tick or frame write from this instance can occur. The listen
// key is released even when the stream already closed on its own; the
// key is cleared under the lock so repeated stops close it once.
func (s *Session) stop(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateClosed && s.state != StateClosing {
		s.state = StateClosing
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.done
	<-s.renewDone

	s.mu.Lock()
	key := s.listenKey
	s.listenKey = ""
	s.mu.Unlock()

	if key != "" {
		// best effort: the key expires server-side regardless
		if err := s.deps.Tokens.CloseListenKey(ctx, s.apiKey, key); err != nil {
			s.log.Debug("close listen key failed", zap.Error(err))
		}
	}
}
