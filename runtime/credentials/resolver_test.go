package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/scout/scout"
	storeinmem "goa.design/scout/store/inmem"
)

func newResolver(t *testing.T) (*Resolver, *storeinmem.Store) {
	t.Helper()
	store := storeinmem.New()
	r, err := New(store)
	require.NoError(t, err)
	return r, store
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("active key", func(t *testing.T) {
		r, store := newResolver(t)
		store.PutCredential(scout.CredentialRecord{
			UserID: "u1", Key: "fc-key", Status: scout.CredentialActive,
		})
		key, err := r.Resolve(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "fc-key", key)
	})

	t.Run("missing record", func(t *testing.T) {
		r, _ := newResolver(t)
		_, err := r.Resolve(ctx, "u1")
		assert.ErrorIs(t, err, ErrNoCredential)
	})

	t.Run("invalid record", func(t *testing.T) {
		r, store := newResolver(t)
		store.PutCredential(scout.CredentialRecord{
			UserID: "u1", Key: "fc-key", Status: scout.CredentialInvalid,
		})
		_, err := r.Resolve(ctx, "u1")
		assert.ErrorIs(t, err, ErrNoCredential)
	})

	t.Run("empty key", func(t *testing.T) {
		r, store := newResolver(t)
		store.PutCredential(scout.CredentialRecord{UserID: "u1", Status: scout.CredentialActive})
		_, err := r.Resolve(ctx, "u1")
		assert.ErrorIs(t, err, ErrNoCredential)
	})
}

func TestMarkInvalid(t *testing.T) {
	ctx := context.Background()
	r, store := newResolver(t)
	store.PutCredential(scout.CredentialRecord{
		UserID: "u1", Key: "fc-key", Status: scout.CredentialActive,
	})

	r.MarkInvalid(ctx, "u1", "provider error 401: bad key")

	rec, err := store.Credential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, scout.CredentialInvalid, rec.Status)
	assert.Equal(t, "provider error 401: bad key", rec.InvalidReason)
}

func TestHandlePaymentRequired(t *testing.T) {
	ctx := context.Background()
	r, store := newResolver(t)
	store.PutCredential(scout.CredentialRecord{
		UserID: "u1", Key: "fc-key", Status: scout.CredentialActive,
	})
	for _, id := range []string{"s1", "s2"} {
		store.PutScout(scout.Scout{
			ID: id, UserID: "u1", Title: "t", Goal: "g",
			Queries: []string{"q"}, Frequency: scout.FrequencyDaily, IsActive: true,
		})
	}
	store.PutScout(scout.Scout{
		ID: "other", UserID: "u2", Title: "t", Goal: "g",
		Queries: []string{"q"}, Frequency: scout.FrequencyDaily, IsActive: true,
	})

	err := r.HandlePaymentRequired(ctx, "u1", "provider error 402: out of credits")
	assert.ErrorIs(t, err, ErrCreditsExhausted)

	rec, err2 := store.Credential(ctx, "u1")
	require.NoError(t, err2)
	assert.Equal(t, scout.CredentialInvalid, rec.Status)

	for _, id := range []string{"s1", "s2"} {
		sc, err := store.Scout(ctx, id)
		require.NoError(t, err)
		assert.False(t, sc.IsActive, id)
	}
	other, err := store.Scout(ctx, "other")
	require.NoError(t, err)
	assert.True(t, other.IsActive)
}
