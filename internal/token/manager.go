// Package token implements the Token Manager (C2): loads, refreshes,
// caches, and publishes vehicle API credentials. Per design note §9,
// the capability is split into a read-only Reader (what Scout gets)
// and a Writer (what Worker gets) instead of one object with implicit
// write permission — this removes the refresh-token-rotation race
// between the two tiers at the type level, not just by convention.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/mac923/offpeak-ev-controller/internal/log"
	"github.com/mac923/offpeak-ev-controller/internal/secretstore"
)

const nearExpiryWindow = 5 * time.Minute

// VendorExchanger performs the vendor-specific refresh-token exchange.
// It is the one seam mocked in tests; production wires it to a resty
// client against the vehicle vendor's token endpoint.
type VendorExchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// cache is the in-memory + local-file representation shared by Reader
// and Writer. access/refresh mirror secretstore.Credential's shape via
// oauth2.Token so the rest of the codebase deals in one token type.
type cache struct {
	mu                     sync.Mutex
	token                  *oauth2.Token
	lastPersistedRefresh   string
	localCachePath         string
}

func (c *cache) snapshot() *oauth2.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return nil
	}
	cp := *c.token
	return &cp
}

func (c *cache) set(t *oauth2.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = t
	if c.localCachePath != "" {
		if data, err := json.Marshal(t); err == nil {
			_ = os.WriteFile(c.localCachePath, data, 0o600)
		}
	}
}

func (c *cache) loadLocal() *oauth2.Token {
	if c.localCachePath == "" {
		return nil
	}
	data, err := os.ReadFile(c.localCachePath)
	if err != nil {
		return nil
	}
	var t oauth2.Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil
	}
	return &t
}

func isNearExpiry(t *oauth2.Token) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	return time.Until(t.Expiry) < nearExpiryWindow
}

// Reader is the read-only capability handed to Scout: it may consult
// the canonical store and the local cache, but it never writes the
// canonical store (§4.2 "Only Worker writes to the canonical store;
// Scout only reads").
type Reader struct {
	canonical secretstore.Store
	cache     *cache
	name      string
}

// NewReader builds a Scout-side token reader. localCachePath may be
// empty to disable the local file fallback.
func NewReader(canonical secretstore.Store, secretName, localCachePath string) *Reader {
	return &Reader{canonical: canonical, name: secretName, cache: &cache{localCachePath: localCachePath}}
}

// Load populates the in-memory cache from the canonical store, falling
// back to the local file if the store is unreachable or empty (§4.2 load()).
func (r *Reader) Load(ctx context.Context) error {
	cred, err := r.canonical.Load(ctx, r.name)
	if err == nil && cred != nil {
		t := credToToken(*cred)
		r.cache.set(t)
		r.cache.mu.Lock()
		r.cache.lastPersistedRefresh = t.RefreshToken
		r.cache.mu.Unlock()
		return nil
	}
	if local := r.cache.loadLocal(); local != nil {
		r.cache.set(local)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	return nil
}

// IsValid reports whether the cached access token is usable, i.e. not
// within 5 minutes of expiry (§4.2 "invalid if access_expires_at - now < 5 min").
func (r *Reader) IsValid() bool {
	return !isNearExpiry(r.cache.snapshot())
}

// AccessToken returns the cached access token, loading it (canonical
// store, then local file) first only when nothing is cached yet.
func (r *Reader) AccessToken(ctx context.Context) (string, error) {
	t := r.cache.snapshot()
	if t == nil {
		if err := r.Load(ctx); err != nil {
			return "", err
		}
		t = r.cache.snapshot()
	}
	if t == nil {
		return "", fmt.Errorf("token reader: no token available")
	}
	return t.AccessToken, nil
}

// RemainingMinutes returns minutes until expiry, for /get-token and
// cache-stats style diagnostics; negative if already expired or unknown.
func (r *Reader) RemainingMinutes(now time.Time) int {
	t := r.cache.snapshot()
	if t == nil {
		return -1
	}
	return int(t.Expiry.Sub(now).Minutes())
}

// ClearLocalCache drops the in-memory view so the next AccessToken call
// re-reads the canonical store, per §4.4 step 1 ("clear any in-memory
// cache first" before re-reading after requesting a Worker refresh).
func (r *Reader) ClearLocalCache() {
	r.cache.mu.Lock()
	r.cache.token = nil
	r.cache.mu.Unlock()
}

// Writer is the read-write capability handed to Worker: the sole writer
// of the canonical store (§4.2, §5 "Only Worker writes tokens to
// canonical store; Scout reads only").
type Writer struct {
	Reader
	exchange VendorExchanger
	legacy   secretstore.Store // optional, for migrate_from_legacy
}

// NewWriter builds a Worker-side token writer.
func NewWriter(canonical, legacy secretstore.Store, exchange VendorExchanger, secretName, localCachePath string) *Writer {
	return &Writer{
		Reader:   Reader{canonical: canonical, name: secretName, cache: &cache{localCachePath: localCachePath}},
		exchange: exchange,
		legacy:   legacy,
	}
}

// EnsureValid refreshes only if the cached access token is near expiry
// (§4.2 ensure_valid()).
func (w *Writer) EnsureValid(ctx context.Context) error {
	if err := w.Load(ctx); err != nil {
		return err
	}
	if w.IsValid() {
		return nil
	}
	return w.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new access token and writes
// the canonical store only if the refresh token value changed, always
// updating the local cache (§4.2 refresh(), resolved Open Question in
// SPEC_FULL §13: never assume vendor rotation happened).
func (w *Writer) Refresh(ctx context.Context) error {
	current := w.cache.snapshot()
	if current == nil || current.RefreshToken == "" {
		return fmt.Errorf("refresh token: no refresh token cached")
	}
	next, err := w.exchange.Exchange(ctx, current.RefreshToken)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	w.cache.set(next)

	w.cache.mu.Lock()
	changed := next.RefreshToken != w.cache.lastPersistedRefresh
	w.cache.mu.Unlock()

	if changed {
		cred := tokenToCred(next)
		if err := w.canonical.Save(ctx, w.name, cred); err != nil {
			return fmt.Errorf("persist refreshed token: %w", err)
		}
		w.cache.mu.Lock()
		w.cache.lastPersistedRefresh = next.RefreshToken
		w.cache.mu.Unlock()
		log.Info("token refreshed, refresh_token rotated and persisted")
	} else {
		log.Info("token refreshed, refresh_token unchanged, canonical store not rewritten")
	}
	return nil
}

// ForceRefresh bypasses the near-expiry check (§4.2 force_refresh()),
// called by Worker's /refresh-tokens handler (Scout's fallback path) and
// by the Vehicle Gateway's single retry after an AuthExpired response.
func (w *Writer) ForceRefresh(ctx context.Context) error {
	if w.cache.snapshot() == nil {
		if err := w.Load(ctx); err != nil {
			return err
		}
	}
	return w.Refresh(ctx)
}

// MigrateFromLegacy performs one refresh from legacy refresh-token
// material and writes the result into the canonical store, only if the
// canonical store is currently empty (§4.2 migrate_from_legacy()).
func (w *Writer) MigrateFromLegacy(ctx context.Context) error {
	existing, err := w.canonical.Load(ctx, w.name)
	if err != nil {
		return fmt.Errorf("migrate: check canonical store: %w", err)
	}
	if existing != nil {
		return nil
	}
	if w.legacy == nil {
		return fmt.Errorf("migrate: no legacy store configured")
	}
	legacyCred, err := w.legacy.Load(ctx, w.name)
	if err != nil {
		return fmt.Errorf("migrate: load legacy: %w", err)
	}
	if legacyCred == nil || legacyCred.RefreshToken == "" {
		return fmt.Errorf("migrate: legacy store has no refresh token")
	}
	w.cache.set(credToToken(*legacyCred))
	return w.Refresh(ctx)
}

func credToToken(c secretstore.Credential) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		Expiry:       c.ExpiresAt,
	}
}

func tokenToCred(t *oauth2.Token) secretstore.Credential {
	return secretstore.Credential{
		AccessToken:           t.AccessToken,
		RefreshToken:          t.RefreshToken,
		ExpiresAt:             t.Expiry,
		RefreshTokenCreatedAt: time.Now().UTC(),
	}
}
