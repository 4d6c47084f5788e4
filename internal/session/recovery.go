package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"binance-userstream-supervisor/internal/vault"
)

// RecoverAll reconstructs a Session for every user whose durable flag
// is still true, typically on process start. Each user is recovered in
// isolation: one bad credential or venue rejection never blocks the
// rest. It returns the number of sessions started and the per-user
// failures for reporting.
func (r *Registry) RecoverAll(ctx context.Context) (int, map[string]error) {
	users, err := r.deps.Store.ListConnected(ctx)
	if err != nil {
		return 0, map[string]error{"*": fmt.Errorf("list connected users: %w", err)}
	}

	started := 0
	failures := make(map[string]error)

	for _, userID := range users {
		if err := r.recoverOne(ctx, userID); err != nil {
			failures[userID] = err
			r.log.Error("recovery failed for user",
				zap.String("user_id", userID), zap.Error(err))
			continue
		}
		started++
	}

	r.log.Info("boot recovery complete",
		zap.Int("recovered", started), zap.Int("failed", len(failures)))
	if len(failures) == 0 {
		failures = nil
	}
	return started, failures
}

func (r *Registry) recoverOne(ctx context.Context, userID string) error {
	cred, err := r.deps.Store.GetCredential(ctx, userID)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}

	// validate the sealed secret before opening anything upstream; a
	// corrupt blob must surface here, not be used as if it were the
	// secret. Unmarked values are legacy plaintext, detected explicitly
	// by the format marker, never by a failed decrypt.
	if r.vault.Disabled() || vault.IsSealed(cred.APISecretCipher) {
		if _, err := r.vault.Unseal(cred.APISecretCipher); err != nil {
			return fmt.Errorf("unseal credential: %w", err)
		}
	} else {
		r.log.Warn("credential stored as legacy plaintext", zap.String("user_id", userID))
	}

	sl := r.slotFor(userID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.session != nil {
		return nil // already live (concurrent connect won the slot)
	}

	s, err := r.startSession(ctx, userID, cred.APIKey)
	if err != nil {
		return err
	}
	sl.session = s

	if err := r.deps.Store.SetTokenIssuedAt(ctx, userID, s.Status().IssuedAt); err != nil {
		r.log.Warn("record token issue time failed", zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}
