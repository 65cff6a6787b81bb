// ABOUTME: Password-grant token source for the Dragonfly API.
// ABOUTME: Fetches bearer tokens from the auth endpoint and refreshes them once expired.

package dragonfly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

type passwordGrant struct {
	GrantType    string `json:"grant_type"`
	Audience     string `json:"audience"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// passwordTokenSource implements oauth2.TokenSource with a JSON password grant.
// The expiry check and the refresh are separate steps, so concurrent callers that
// both observe an expired token will both refresh.
type passwordTokenSource struct {
	httpClient *http.Client
	authURL    string
	grant      passwordGrant
	timeout    time.Duration
	logger     *logrus.Logger

	mutex sync.Mutex
	token *oauth2.Token
}

func newPasswordTokenSource(config Config, httpClient *http.Client, logger *logrus.Logger) *passwordTokenSource {
	return &passwordTokenSource{
		httpClient: httpClient,
		authURL:    config.AuthURL,
		grant: passwordGrant{
			GrantType:    "password",
			Audience:     config.Audience,
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Username:     config.Username,
			Password:     config.Password,
		},
		timeout: config.Timeout,
		logger:  logger,
	}
}

func (s *passwordTokenSource) current() *oauth2.Token {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.token
}

// Token returns the cached token while it is valid and fetches a new one otherwise
func (s *passwordTokenSource) Token() (*oauth2.Token, error) {
	if token := s.current(); token.Valid() {
		return token, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	token, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	s.token = token
	s.mutex.Unlock()

	s.logger.WithFields(logrus.Fields{
		"component": "dragonfly",
		"expires":   token.Expiry,
	}).Debug("Refreshed Dragonfly access token")

	return token, nil
}

func (s *passwordTokenSource) fetch(ctx context.Context) (*oauth2.Token, error) {
	body, err := json.Marshal(s.grant)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.authURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	requestedAt := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newHTTPError(http.MethodPost, s.authURL, resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, &HTTPError{
			Method:     http.MethodPost,
			URL:        s.authURL,
			StatusCode: resp.StatusCode,
			Body:       "token response has no access_token",
		}
	}

	return &oauth2.Token{
		AccessToken: parsed.AccessToken,
		TokenType:   "Bearer",
		Expiry:      requestedAt.Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}
