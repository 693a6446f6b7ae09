package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GitHubConfig defines the OAuth application settings for the GitHub handshake.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// AuthBaseURL and APIBaseURL override the github.com endpoints, primarily
	// for tests against a local stub.
	AuthBaseURL string
	APIBaseURL  string
	Timeout     time.Duration
}

// GitHubClient drives the OAuth code exchange and profile lookup.
type GitHubClient struct {
	clientID     string
	clientSecret string
	redirectURL  string
	authBaseURL  string
	apiBaseURL   string
	httpClient   *http.Client
}

// GitHubUser is the subset of the profile payload the service records.
type GitHubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// NewGitHubClient constructs a client with sane defaults.
func NewGitHubClient(cfg GitHubConfig) (*GitHubClient, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("identity: github client id required")
	}
	clientSecret := strings.TrimSpace(cfg.ClientSecret)
	if clientSecret == "" {
		return nil, fmt.Errorf("identity: github client secret required")
	}
	authBase := strings.TrimSpace(cfg.AuthBaseURL)
	if authBase == "" {
		authBase = "https://github.com"
	}
	apiBase := strings.TrimSpace(cfg.APIBaseURL)
	if apiBase == "" {
		apiBase = "https://api.github.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GitHubClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  strings.TrimSpace(cfg.RedirectURL),
		authBaseURL:  strings.TrimRight(authBase, "/"),
		apiBaseURL:   strings.TrimRight(apiBase, "/"),
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

// AuthorizeURL builds the redirect target that starts the OAuth handshake.
// The state nonce binds the callback to a session initiated by this service.
func (c *GitHubClient) AuthorizeURL(state string) string {
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("state", state)
	params.Set("scope", "read:user user:email")
	if c.redirectURL != "" {
		params.Set("redirect_uri", c.redirectURL)
	}
	return fmt.Sprintf("%s/login/oauth/authorize?%s", c.authBaseURL, params.Encode())
}

// Exchange swaps the authorization code for an access token.
func (c *GitHubClient) Exchange(ctx context.Context, code string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("identity: client not configured")
	}
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("code", code)
	if c.redirectURL != "" {
		form.Set("redirect_uri", c.redirectURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.authBaseURL+"/login/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("identity: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity: exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity: unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		AccessToken      string `json:"access_token"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("identity: decode: %w", err)
	}
	if payload.Error != "" {
		return "", fmt.Errorf("identity: exchange rejected: %s", payload.ErrorDescription)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return "", fmt.Errorf("identity: empty access token")
	}
	return payload.AccessToken, nil
}

// FetchUser retrieves the authenticated user's profile.
func (c *GitHubClient) FetchUser(ctx context.Context, accessToken string) (*GitHubUser, error) {
	if c == nil {
		return nil, fmt.Errorf("identity: client not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("identity: request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: fetch user: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: unexpected status %d", resp.StatusCode)
	}
	var user GitHubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("identity: decode: %w", err)
	}
	if user.ID == 0 || strings.TrimSpace(user.Login) == "" {
		return nil, fmt.Errorf("identity: incomplete user payload")
	}
	return &user, nil
}
