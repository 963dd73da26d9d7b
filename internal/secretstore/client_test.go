package secretstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReturnsNilNilOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewRESTStore(srv.URL, "key")
	cred, err := s.Load(context.Background(), "fleet-tokens")
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestLoadParsesCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/secrets/fleet-tokens", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"a","refresh_token":"r","expires_at":"2026-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	s := NewRESTStore(srv.URL, "key")
	cred, err := s.Load(context.Background(), "fleet-tokens")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "a", cred.AccessToken)
}

func TestSavePutsCredential(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewRESTStore(srv.URL, "key")
	err := s.Save(context.Background(), "fleet-tokens", Credential{
		AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
}
