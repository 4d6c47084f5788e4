package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"binance-userstream-supervisor/internal/domain"
	"binance-userstream-supervisor/internal/metrics"
	"binance-userstream-supervisor/internal/storage"
	"binance-userstream-supervisor/internal/vault"
	"binance-userstream-supervisor/pkg/logger"
)

// ErrValidation is returned by Connect when a required field is empty.
// Nothing is mutated in that case.
var ErrValidation = errors.New("session: user id, api key and api secret are required")

// Registry is the process-wide table of live Sessions. It enforces
// at-most-one session per user and is the only component that starts or
// stops them. All mutation of a user's slot is serialized on that
// slot's lock; unrelated users never contend.
type Registry struct {
	base  context.Context // lifetime of running sessions
	cfg   Config
	deps  Deps
	vault *vault.Vault
	log   *logger.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

// slot serializes connect/disconnect/restart for one user id.
type slot struct {
	mu      sync.Mutex
	session *Session
}

// NewRegistry builds a Registry. base bounds the lifetime of every
// session it starts; cancelling it tears all sessions down.
func NewRegistry(base context.Context, cfg Config, deps Deps, v *vault.Vault) *Registry {
	cfg.ApplyDefaults()
	return &Registry{
		base:  base,
		cfg:   cfg,
		deps:  deps,
		vault: v,
		log:   deps.Log.Named("registry"),
		slots: make(map[string]*slot),
	}
}

func (r *Registry) slotFor(userID string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[userID]
	if !ok {
		sl = &slot{}
		r.slots[userID] = sl
	}
	return sl
}

// Connect seals and persists the credential, starts a fresh Session and
// only then marks the user connected. An existing Session for the user
// is stopped first (replace is stop-then-start, never concurrent).
func (r *Registry) Connect(ctx context.Context, userID, apiKey, apiSecret string) error {
	if userID == "" || apiKey == "" || apiSecret == "" {
		return ErrValidation
	}

	sl := r.slotFor(userID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	sealed, err := r.vault.Seal(apiSecret)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	cred := domain.Credential{UserID: userID, APIKey: apiKey, APISecretCipher: sealed}
	if err := r.deps.Store.PutCredential(ctx, cred); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}

	if sl.session != nil {
		sl.session.stop(ctx)
		sl.session = nil
	}

	s, err := r.startSession(ctx, userID, apiKey)
	if err != nil {
		return err
	}
	sl.session = s

	if err := r.deps.Store.SetConnected(ctx, userID, true); err != nil {
		// a session without a durable flag would vanish on restart;
		// prefer consistency and roll the session back
		s.stop(ctx)
		sl.session = nil
		return fmt.Errorf("persist connected flag: %w", err)
	}
	st := s.Status()
	if err := r.deps.Store.SetTokenIssuedAt(ctx, userID, st.IssuedAt); err != nil {
		r.log.Warn("record token issue time failed", zap.String("user_id", userID), zap.Error(err))
	}

	r.log.Info("user connected", zap.String("user_id", userID))
	return nil
}

// Disconnect clears the durable flag, stops the Session if present and
// deletes the stored credential. Disconnecting an absent user is a
// no-op. When Disconnect returns, no timer or socket of the previous
// Session is live.
func (r *Registry) Disconnect(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrValidation
	}

	sl := r.slotFor(userID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	// flag first: a concurrent unexpected-close restart must observe
	// the user as disabled
	if err := r.deps.Store.SetConnected(ctx, userID, false); err != nil {
		return fmt.Errorf("clear connected flag: %w", err)
	}

	if sl.session != nil {
		sl.session.stop(ctx)
		sl.session = nil
	}

	if err := r.deps.Store.DeleteCredential(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.log.Warn("delete credential failed", zap.String("user_id", userID), zap.Error(err))
	}

	r.log.Info("user disconnected", zap.String("user_id", userID))
	return nil
}

// Get returns the observable state of a user's Session. Absence is not
// an error.
func (r *Registry) Get(userID string) (Status, bool) {
	r.mu.Lock()
	sl, ok := r.slots[userID]
	r.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.session == nil {
		return Status{}, false
	}
	return sl.session.Status(), true
}

// Shutdown stops every live session. Used on process exit after the
// base context is cancelled; flags in storage are left untouched so the
// sessions come back on the next boot.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	slots := make(map[string]*slot, len(r.slots))
	for id, sl := range r.slots {
		slots[id] = sl
	}
	r.mu.Unlock()

	for id, sl := range slots {
		sl.mu.Lock()
		if sl.session != nil {
			sl.session.stop(ctx)
			sl.session = nil
		}
		sl.mu.Unlock()
		r.log.Debug("session shut down", zap.String("user_id", id))
	}
}

func (r *Registry) startSession(ctx context.Context, userID, apiKey string) (*Session, error) {
	s := newSession(userID, apiKey, r.cfg, r.deps, r.handleUnexpectedClose)
	if err := s.start(ctx, r.base); err != nil {
		return nil, err
	}
	return s, nil
}

// handleUnexpectedClose is the reconnect policy: one immediate restart
// attempt while the user's durable flag is still true. A failed restart
// is reported, leaving the flag in place for operator visibility.
func (r *Registry) handleUnexpectedClose(userID string, closed *Session) {
	if r.base.Err() != nil {
		return // process shutting down
	}

	sl := r.slotFor(userID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	// guard against use-after-stop: only the currently registered
	// session may trigger a restart
	if sl.session != closed {
		return
	}
	sl.session = nil

	flag, err := r.deps.Store.GetConnectionFlag(r.base, userID)
	if err != nil {
		r.log.Error("restart skipped: read connected flag failed",
			zap.String("user_id", userID), zap.Error(err))
		return
	}
	if !flag.Connected {
		return
	}

	metrics.Reconnects.Inc()
	r.log.Warn("restarting session after unexpected closure", zap.String("user_id", userID))

	s, err := r.startSession(r.base, userID, closed.apiKey)
	if err != nil {
		r.log.Error("session restart failed; user remains flagged connected",
			zap.String("user_id", userID), zap.Error(err))
		return
	}
	sl.session = s

	if err := r.deps.Store.SetTokenIssuedAt(r.base, userID, s.Status().IssuedAt); err != nil {
		r.log.Warn("record token issue time failed", zap.String("user_id", userID), zap.Error(err))
	}
}
