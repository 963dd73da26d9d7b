// Package secretstore is a thin client for the shared secret store that
// holds the canonical vehicle API credential (§2 C2 collaborator, §6
// "one secret named canonically (e.g. fleet-tokens)"). It is a resty
// wrapper in the same shape as the GitHub API client in
// Lens/modules/jobs/pkg/jobs/github_workflow_collector: a narrow
// interface plus one concrete REST-backed implementation, so the token
// manager can be tested against a fake.
package secretstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Credential is the canonical shape written to/read from the secret
// store (§6 persisted state layout).
type Credential struct {
	AccessToken          string    `json:"access_token"`
	RefreshToken         string    `json:"refresh_token"`
	ExpiresAt            time.Time `json:"expires_at"`
	RefreshTokenCreatedAt time.Time `json:"refresh_token_created_at"`
}

// Store is the secret-store contract consumed by the token manager.
// Load returns (nil, nil) when the secret does not exist yet.
type Store interface {
	Load(ctx context.Context, name string) (*Credential, error)
	Save(ctx context.Context, name string, cred Credential) error
}

// RESTStore is a Store backed by a remote secret-management service
// reachable over plain REST (e.g. a serverless platform's secret
// manager facade).
type RESTStore struct {
	client  *resty.Client
	baseURL string
}

func NewRESTStore(baseURL, apiKey string) *RESTStore {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Authorization", "Bearer "+apiKey).
		SetTimeout(15 * time.Second)
	return &RESTStore{client: c, baseURL: baseURL}
}

func (s *RESTStore) Load(ctx context.Context, name string) (*Credential, error) {
	var cred Credential
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&cred).
		Get(fmt.Sprintf("/secrets/%s", name))
	if err != nil {
		return nil, fmt.Errorf("load secret %s: %w", name, err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("load secret %s: status %d", name, resp.StatusCode())
	}
	return &cred, nil
}

func (s *RESTStore) Save(ctx context.Context, name string, cred Credential) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(cred).
		Put(fmt.Sprintf("/secrets/%s", name))
	if err != nil {
		return fmt.Errorf("save secret %s: %w", name, err)
	}
	if resp.IsError() {
		return fmt.Errorf("save secret %s: status %d", name, resp.StatusCode())
	}
	return nil
}
