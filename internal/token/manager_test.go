package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mac923/offpeak-ev-controller/internal/secretstore"
)

type fakeStore struct {
	cred  *secretstore.Credential
	saves int
}

func (f *fakeStore) Load(_ context.Context, _ string) (*secretstore.Credential, error) {
	return f.cred, nil
}

func (f *fakeStore) Save(_ context.Context, _ string, cred secretstore.Credential) error {
	f.saves++
	f.cred = &cred
	return nil
}

type fakeExchanger struct {
	rotate bool
	calls  int
}

func (f *fakeExchanger) Exchange(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	f.calls++
	next := &oauth2.Token{
		AccessToken: "access-" + refreshToken,
		Expiry:      time.Now().Add(time.Hour),
	}
	if f.rotate {
		next.RefreshToken = refreshToken + "-rotated"
	}
	return next, nil
}

func TestWriterRefreshWritesOnlyWhenRefreshTokenChanges(t *testing.T) {
	canonical := &fakeStore{cred: &secretstore.Credential{RefreshToken: "rt-1", ExpiresAt: time.Now().Add(-time.Minute)}}
	exch := &fakeExchanger{rotate: false}
	w := NewWriter(canonical, nil, exch, "fleet-tokens", "")

	require.NoError(t, w.EnsureValid(context.Background()))
	assert.Equal(t, 1, exch.calls)
	assert.Equal(t, 0, canonical.saves, "refresh token equal to the loaded one must not be persisted")

	// Second refresh with an unchanged refresh token must not rewrite the store.
	require.NoError(t, w.Refresh(context.Background()))
	assert.Equal(t, 0, canonical.saves, "unchanged refresh token must not trigger a write")
}

func TestWriterRefreshWritesWhenRefreshTokenRotates(t *testing.T) {
	canonical := &fakeStore{cred: &secretstore.Credential{RefreshToken: "rt-1", ExpiresAt: time.Now().Add(-time.Minute)}}
	exch := &fakeExchanger{rotate: true}
	w := NewWriter(canonical, nil, exch, "fleet-tokens", "")

	require.NoError(t, w.EnsureValid(context.Background()))
	assert.Equal(t, 1, canonical.saves)
	require.NoError(t, w.Refresh(context.Background()))
	assert.Equal(t, 2, canonical.saves, "rotated refresh token must be persisted again")
}

func TestEnsureValidSkipsRefreshWhenNotNearExpiry(t *testing.T) {
	canonical := &fakeStore{cred: &secretstore.Credential{
		AccessToken:  "still-good",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	exch := &fakeExchanger{}
	w := NewWriter(canonical, nil, exch, "fleet-tokens", "")

	require.NoError(t, w.EnsureValid(context.Background()))
	assert.Equal(t, 0, exch.calls)
}

func TestReaderNeverWritesCanonicalStore(t *testing.T) {
	canonical := &fakeStore{cred: &secretstore.Credential{
		AccessToken: "tok", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour),
	}}
	r := NewReader(canonical, "fleet-tokens", "")
	require.NoError(t, r.Load(context.Background()))
	assert.True(t, r.IsValid())
	assert.Equal(t, 0, canonical.saves)

	tok, err := r.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
	assert.Equal(t, 0, canonical.saves)
}

func TestMigrateFromLegacySkipsWhenCanonicalPopulated(t *testing.T) {
	canonical := &fakeStore{cred: &secretstore.Credential{RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour), AccessToken: "a"}}
	legacy := &fakeStore{cred: &secretstore.Credential{RefreshToken: "legacy-rt"}}
	exch := &fakeExchanger{}
	w := NewWriter(canonical, legacy, exch, "fleet-tokens", "")

	require.NoError(t, w.MigrateFromLegacy(context.Background()))
	assert.Equal(t, 0, exch.calls, "migration must be a no-op when canonical store is already populated")
}
