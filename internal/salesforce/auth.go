package salesforce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sfbridge/config"
	"sfbridge/internal/logger"
	"sfbridge/internal/metrics"
	"sfbridge/pkg/models"
)

// CredentialStore persists the credential blob across restarts. A cache
// hit is trusted as-is; a live 401 is the invalidation signal.
type CredentialStore interface {
	AuthExists() (bool, error)
	GetAuth() (*models.Credentials, error)
	SetAuth(*models.Credentials) error
	DeleteAuth() error
}

// AuthManager executes the configured OAuth flow and owns the credentials
// for one Salesforce org session.
type AuthManager struct {
	instanceName string
	tokenURL     string
	authData     *config.AuthConfig
	store        CredentialStore
	httpClient   *http.Client
	creds        *models.Credentials
	now          func() time.Time
}

// NewAuthManager creates an auth manager. store may be nil, in which case
// credentials live only in memory.
func NewAuthManager(instanceName, tokenURL string, authData *config.AuthConfig, store CredentialStore, httpClient *http.Client) *AuthManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &AuthManager{
		instanceName: instanceName,
		tokenURL:     tokenURL,
		authData:     authData,
		store:        store,
		httpClient:   httpClient,
		now:          time.Now,
	}
}

// Credentials returns the in-memory credentials, or nil before a
// successful Authenticate.
func (a *AuthManager) Credentials() *models.Credentials {
	return a.creds
}

// Authenticate obtains credentials. A cached blob in the credential store
// is loaded without a network call. Otherwise the configured flow runs:
// a rejected token request returns (false, nil); a transport failure
// returns a LoginError.
func (a *AuthManager) Authenticate(ctx context.Context) (bool, error) {
	if a.store != nil {
		exists, err := a.store.AuthExists()
		if err != nil {
			return false, fmt.Errorf("check credential store: %w", err)
		}
		if exists {
			creds, err := a.store.GetAuth()
			if err != nil {
				return false, fmt.Errorf("read credential store: %w", err)
			}
			if creds != nil {
				logger.Infof("[%s] retrieved credentials from store", a.instanceName)
				a.creds = creds
				metrics.AuthAttempts.WithLabelValues(a.instanceName, "cached").Inc()
				return true, nil
			}
		}
	}

	var (
		params url.Values
		flow   string
		err    error
	)
	switch a.authData.GrantType {
	case config.GrantTypePassword:
		flow = "password"
		params = a.passwordParams()
	case config.GrantTypeJWT:
		flow = "jwt"
		params, err = a.jwtParams()
		if err != nil {
			logger.Errorf("[%s] authentication failed: %v", a.instanceName, err)
			metrics.AuthAttempts.WithLabelValues(a.instanceName, "error").Inc()
			return false, nil
		}
	default:
		return false, &config.ConfigError{Instance: a.instanceName, Field: "auth.grant_type"}
	}

	ok, err := a.requestToken(ctx, params)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues(a.instanceName, "error").Inc()
		return false, err
	}
	if !ok {
		logger.Errorf("[%s] error authenticating with %s", a.instanceName, a.tokenURL)
		metrics.AuthAttempts.WithLabelValues(a.instanceName, "rejected").Inc()
		return false, nil
	}
	logger.Infof("[%s] authenticated with %s flow", a.instanceName, flow)
	metrics.AuthAttempts.WithLabelValues(a.instanceName, "ok").Inc()
	return true, nil
}

// ClearAuth removes the credentials from the store and from memory so the
// next Authenticate call is forced to hit the network. Called exactly once
// before a bounded reauthentication attempt.
func (a *AuthManager) ClearAuth() error {
	if a.store != nil {
		if err := a.store.DeleteAuth(); err != nil {
			return fmt.Errorf("clear credential store: %w", err)
		}
	}
	a.creds = nil
	return nil
}

func (a *AuthManager) passwordParams() url.Values {
	return url.Values{
		"grant_type":    {config.GrantTypePassword},
		"client_id":     {a.authData.ClientID},
		"client_secret": {a.authData.ClientSecret},
		"username":      {a.authData.Username},
		"password":      {a.authData.Password},
	}
}

func (a *AuthManager) jwtParams() (url.Values, error) {
	keyData, err := os.ReadFile(a.authData.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	claims := jwt.MapClaims{
		"iss": a.authData.ClientID,
		"sub": a.authData.Subject,
		"aud": a.authData.Audience,
		"exp": a.now().UTC().Add(-5 * time.Minute).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("sign jwt assertion: %w", err)
	}

	return url.Values{
		"grant_type": {config.GrantTypeJWT},
		"assertion":  {assertion},
		"format":     {"json"},
	}, nil
}

func (a *AuthManager) requestToken(ctx context.Context, params url.Values) (bool, error) {
	logger.Infof("[%s] retrieving salesforce token at %s", a.instanceName, a.tokenURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return false, &LoginError{Instance: a.instanceName, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		logger.Errorf("[%s] sfdc auth failed: %v", a.instanceName, err)
		return false, &LoginError{Instance: a.instanceName, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		logger.Errorf("[%s] sfdc token request failed. status-code: %d, reason: %s",
			a.instanceName, resp.StatusCode, strings.TrimSpace(string(body)))
		return false, nil
	}

	var creds models.Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		logger.Errorf("[%s] sfdc token response decode failed: %v", a.instanceName, err)
		return false, nil
	}

	a.storeAuth(&creds)
	return true, nil
}

func (a *AuthManager) storeAuth(creds *models.Credentials) {
	if a.store != nil {
		logger.Infof("[%s] storing credentials", a.instanceName)
		if err := a.store.SetAuth(creds); err != nil {
			logger.Errorf("[%s] failed storing credentials: %v", a.instanceName, err)
		}
	}
	a.creds = creds
}
