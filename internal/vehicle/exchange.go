package vehicle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/mac923/offpeak-ev-controller/internal/errs"
)

// OAuthExchanger is the production token.VendorExchanger: a plain
// grant_type=refresh_token POST against the vendor's OAuth token
// endpoint, grounded on original_source/tesla_fleet_api_client.py's
// _refresh_access_token (client_id/client_secret/refresh_token/audience
// form body, 401 mapped to an expired-auth error).
type OAuthExchanger struct {
	http     *resty.Client
	tokenURL string
	clientID string
	secret   string
	audience string
}

func NewOAuthExchanger(tokenURL, clientID, clientSecret, audience string, timeout time.Duration) *OAuthExchanger {
	return &OAuthExchanger{
		http:     resty.New().SetTimeout(timeout),
		tokenURL: tokenURL,
		clientID: clientID,
		secret:   clientSecret,
		audience: audience,
	}
}

type exchangeResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (e *OAuthExchanger) Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	var out exchangeResponse
	resp, err := e.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"client_id":     e.clientID,
			"client_secret": e.secret,
			"refresh_token": refreshToken,
			"audience":      e.audience,
		}).
		SetResult(&out).
		Post(e.tokenURL)
	if err != nil {
		return nil, fmt.Errorf("exchange refresh token: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, fmt.Errorf("exchange refresh token: %w", errs.ErrAuthExpired)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("exchange refresh token: status %d", resp.StatusCode())
	}

	tok := &oauth2.Token{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}
	return tok, nil
}
