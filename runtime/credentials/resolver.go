// Package credentials resolves the per-user search/scrape API key and applies
// provider auth/billing side effects. There is no shared fallback key: a
// missing or invalid record aborts the run with a user-actionable error, and a
// billing failure (402) cuts the user off globally by deactivating all of
// their scouts.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"goa.design/scout/scout"
	storemongo "goa.design/scout/store/mongo"
)

// Store is the subset of the store surface the resolver needs.
type Store interface {
	Credential(ctx context.Context, userID string) (scout.CredentialRecord, error)
	MarkCredentialInvalid(ctx context.Context, userID, reason string) error
	DisableAllUserScouts(ctx context.Context, userID string) (int64, error)
}

// ErrNoCredential is returned when the user has no usable key. The message is
// shown to the user as-is.
var ErrNoCredential = errors.New(
	"no search API key configured: add your own key in settings to run scouts")

// ErrCreditsExhausted is returned after a provider 402. The message is shown
// to the user as-is.
var ErrCreditsExhausted = errors.New(
	"search API credits exhausted: add your own key in settings to keep your scouts running")

// Resolver resolves and maintains per-user credential records.
type Resolver struct {
	store Store
}

// New builds a Resolver over the given store.
func New(store Store) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Resolver{store: store}, nil
}

// Resolve returns the user's active key or ErrNoCredential.
func (r *Resolver) Resolve(ctx context.Context, userID string) (string, error) {
	rec, err := r.store.Credential(ctx, userID)
	if err != nil {
		if errors.Is(err, storemongo.ErrNotFound) {
			return "", ErrNoCredential
		}
		return "", fmt.Errorf("load credential: %w", err)
	}
	if rec.Status != scout.CredentialActive || rec.Key == "" {
		return "", ErrNoCredential
	}
	return rec.Key, nil
}

// MarkInvalid records a provider 401 against the user's key. The current run
// keeps going; the step error is counted as transient.
func (r *Resolver) MarkInvalid(ctx context.Context, userID, reason string) {
	if err := r.store.MarkCredentialInvalid(ctx, userID, reason); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "mark credential invalid failed"},
			log.KV{K: "user_id", V: userID})
	}
}

// HandlePaymentRequired records a provider 402: the key is marked invalid and
// every scout owned by the user is deactivated. Returns ErrCreditsExhausted
// for the caller to fail the current run with.
func (r *Resolver) HandlePaymentRequired(ctx context.Context, userID, reason string) error {
	if err := r.store.MarkCredentialInvalid(ctx, userID, reason); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "mark credential invalid failed"},
			log.KV{K: "user_id", V: userID})
	}
	disabled, err := r.store.DisableAllUserScouts(ctx, userID)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "disable user scouts failed"},
			log.KV{K: "user_id", V: userID})
	} else {
		log.Info(ctx, log.KV{K: "msg", V: "disabled scouts after payment failure"},
			log.KV{K: "user_id", V: userID},
			log.KV{K: "count", V: disabled},
			log.KV{K: "at", V: time.Now().UTC().Format(time.RFC3339)})
	}
	return ErrCreditsExhausted
}
