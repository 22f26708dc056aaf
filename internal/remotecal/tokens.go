package remotecal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoToken reports that no usable credential exists for an account. The
// token refresh path lives outside this service; callers surface the failure
// and leave state untouched.
var ErrNoToken = errors.New("no valid access token for account")

// TokenProvider resolves a usable bearer token per remote account,
// refreshing as needed. Implementations return ErrNoToken when the account's
// grant is revoked, expired beyond refresh, or unknown.
type TokenProvider interface {
	AccessToken(ctx context.Context, accountID string) (*oauth2.Token, error)
}

// StaticTokenProvider serves one fixed token for every account. Intended for
// development and tests.
type StaticTokenProvider struct {
	Token string
}

func (p StaticTokenProvider) AccessToken(ctx context.Context, accountID string) (*oauth2.Token, error) {
	if strings.TrimSpace(p.Token) == "" {
		return nil, ErrNoToken
	}
	return &oauth2.Token{AccessToken: p.Token}, nil
}

// HTTPTokenProvider fetches tokens from the credential service that owns the
// OAuth grants: GET {baseURL}/{accountID} returning
// {"access_token": "...", "expires_at": "RFC3339"}. Tokens are cached until
// shortly before expiry.
type HTTPTokenProvider struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]*oauth2.Token
}

func NewHTTPTokenProvider(baseURL string, httpClient *http.Client) *HTTPTokenProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTokenProvider{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
		cache:      map[string]*oauth2.Token{},
	}
}

func (p *HTTPTokenProvider) AccessToken(ctx context.Context, accountID string) (*oauth2.Token, error) {
	p.mu.Lock()
	cached := p.cache[accountID]
	p.mu.Unlock()
	if cached != nil && cached.Valid() {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+url.PathEscape(accountID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNoToken)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token provider http %d for account %s", resp.StatusCode, accountID)
	}

	var body struct {
		AccessToken string    `json:"access_token"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	if strings.TrimSpace(body.AccessToken) == "" {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNoToken)
	}
	token := &oauth2.Token{AccessToken: body.AccessToken, Expiry: body.ExpiresAt}

	p.mu.Lock()
	p.cache[accountID] = token
	p.mu.Unlock()
	return token, nil
}
