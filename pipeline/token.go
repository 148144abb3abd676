package pipeline

import (
	"context"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"relaybot/models"
	"relaybot/telemetry"
)

const (
	// tokens are treated as expired this long before they actually are
	expiryLeeway   = 5 * time.Second
	refreshTimeout = 15 * time.Second
)

type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// TokenSource hands out bearer tokens for one provider session
type TokenSource interface {
	Ensure(ctx context.Context, force bool) (*oauth2.Token, error)
}

// TokenManager caches one access token and refreshes it with the
// refresh_token grant. Concurrent refreshes collapse into one request.
type TokenManager struct {
	platform   models.Platform
	config     *oauth2.Config
	httpClient *http.Client

	mu           sync.Mutex
	token        *oauth2.Token
	refreshToken string

	group singleflight.Group
	now   func() time.Time
}

// NewTokenManager builds a token manager for endpoint. httpClient is used for
// the token endpoint only and may be nil.
func NewTokenManager(platform models.Platform, creds Credentials, endpoint oauth2.Endpoint, httpClient *http.Client) *TokenManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: refreshTimeout}
	}
	return &TokenManager{
		platform: platform,
		config: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     endpoint,
		},
		httpClient:   httpClient,
		refreshToken: creds.RefreshToken,
		now:          time.Now,
	}
}

// Ensure returns the cached token unless force is set or it is within five
// seconds of expiring, in which case it refreshes first.
func (m *TokenManager) Ensure(ctx context.Context, force bool) (*oauth2.Token, error) {
	if !force {
		if token := m.cached(); token != nil {
			return token, nil
		}
	}

	key := "ensure"
	if force {
		key = "force"
	}

	result, err, shared := m.group.Do(key, func() (interface{}, error) {
		// a refresh may have finished between the cache check and here
		if !force {
			if token := m.cached(); token != nil {
				return token, nil
			}
		}
		return m.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Tracef("%s token refresh shared with a concurrent caller", m.platform)
	}
	return result.(*oauth2.Token), nil
}

// Invalidate drops the cached access token, keeping the refresh token
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
}

// RefreshToken returns the current refresh token, which the endpoint may have rotated
func (m *TokenManager) RefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshToken
}

func (m *TokenManager) cached() *oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil || m.token.AccessToken == "" {
		return nil
	}
	if !m.token.Expiry.IsZero() && !m.now().Add(expiryLeeway).Before(m.token.Expiry) {
		return nil
	}
	return m.token
}

func (m *TokenManager) refresh(ctx context.Context) (*oauth2.Token, error) {
	logger := log.WithFields(log.Fields{
		"module":   "pipeline",
		"function": "refresh",
		"platform": m.platform,
	})

	m.mu.Lock()
	refreshToken := m.refreshToken
	m.mu.Unlock()

	if refreshToken == "" || m.config.ClientID == "" {
		telemetry.RecordTokenRefresh(string(m.platform), false)
		return nil, models.NewError(m.platform, models.KindAuth, authMessage(m.platform))
	}

	// one caller's cancellation must not fail everyone sharing the refresh
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()
	refreshCtx = context.WithValue(refreshCtx, oauth2.HTTPClient, m.httpClient)

	logger.Debug("Refreshing access token")
	token, err := m.config.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		logger.Errorf("Token refresh failed: %v", err)
		telemetry.RecordTokenRefresh(string(m.platform), false)
		return nil, models.WrapError(m.platform, models.KindAuth, authMessage(m.platform), err)
	}

	m.mu.Lock()
	m.token = token
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		logger.Info("Refresh token was rotated by the provider")
		m.refreshToken = token.RefreshToken
	}
	m.mu.Unlock()

	telemetry.RecordTokenRefresh(string(m.platform), true)
	logger.Debugf("Access token refreshed, expires at %s", token.Expiry.Format(time.RFC3339))
	return token, nil
}

func authMessage(platform models.Platform) string {
	return "Couldn't sign in to " + platform.DisplayName() + ". The bot's credentials may need to be refreshed."
}
