package salesforce

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"sfbridge/config"
	"sfbridge/internal/cache"
	"sfbridge/pkg/models"
)

func passwordAuthConfig() *config.AuthConfig {
	return &config.AuthConfig{
		GrantType:    config.GrantTypePassword,
		ClientID:     "cid",
		ClientSecret: "csecret",
		Username:     "user@example.com",
		Password:     "hunter2",
	}
}

func tokenResponse(t *testing.T, w http.ResponseWriter, instanceURL string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(models.Credentials{
		AccessToken: "token_123",
		InstanceURL: instanceURL,
		TokenType:   "Bearer",
	})
	if err != nil {
		t.Fatalf("encode token response: %v", err)
	}
}

func TestAuthenticatePasswordFlow(t *testing.T) {
	var capturedGrant, capturedUser string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		capturedGrant = r.PostForm.Get("grant_type")
		capturedUser = r.PostForm.Get("username")
		tokenResponse(t, w, "https://org.example")
	}))
	defer server.Close()

	store := cache.NewMemoryCache()
	am := NewAuthManager("test", server.URL, passwordAuthConfig(), store, server.Client())

	ok, err := am.Authenticate(context.Background())
	if err != nil || !ok {
		t.Fatalf("authenticate: ok=%v err=%v", ok, err)
	}
	if capturedGrant != "password" || capturedUser != "user@example.com" {
		t.Fatalf("unexpected token request: grant=%q user=%q", capturedGrant, capturedUser)
	}

	creds := am.Credentials()
	if creds == nil || creds.AccessToken != "token_123" || creds.InstanceURL != "https://org.example" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}

	stored, err := store.GetAuth()
	if err != nil || stored == nil || stored.AccessToken != "token_123" {
		t.Fatalf("expected credentials mirrored to store, got %+v err=%v", stored, err)
	}
}

func TestAuthenticateRejectedCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	am := NewAuthManager("test", server.URL, passwordAuthConfig(), nil, server.Client())

	ok, err := am.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("expected boolean rejection, got error %v", err)
	}
	if ok {
		t.Fatalf("expected rejection")
	}
	if am.Credentials() != nil {
		t.Fatalf("credentials must not be set after rejection")
	}
}

func TestAuthenticateTransportFailureIsLoginError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	am := NewAuthManager("test", server.URL, passwordAuthConfig(), nil, nil)

	ok, err := am.Authenticate(context.Background())
	if ok {
		t.Fatalf("expected failure")
	}
	var loginErr *LoginError
	if !errors.As(err, &loginErr) {
		t.Fatalf("expected LoginError, got %v", err)
	}
}

func TestAuthenticateUsesCachedCredentials(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		tokenResponse(t, w, "https://org.example")
	}))
	defer server.Close()

	store := cache.NewMemoryCache()
	cached := &models.Credentials{AccessToken: "cached_tok", InstanceURL: "https://org.example", TokenType: "Bearer"}
	if err := store.SetAuth(cached); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	am := NewAuthManager("test", server.URL, passwordAuthConfig(), store, server.Client())
	ok, err := am.Authenticate(context.Background())
	if err != nil || !ok {
		t.Fatalf("authenticate: ok=%v err=%v", ok, err)
	}
	if calls != 0 {
		t.Fatalf("expected pure cache hit, token endpoint called %d times", calls)
	}
	if am.Credentials().AccessToken != "cached_tok" {
		t.Fatalf("expected cached token, got %+v", am.Credentials())
	}
}

func TestClearAuthForcesNetworkReauth(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		tokenResponse(t, w, "https://org.example")
	}))
	defer server.Close()

	store := cache.NewMemoryCache()
	store.SetAuth(&models.Credentials{AccessToken: "stale", InstanceURL: "https://org.example", TokenType: "Bearer"})

	am := NewAuthManager("test", server.URL, passwordAuthConfig(), store, server.Client())
	if err := am.ClearAuth(); err != nil {
		t.Fatalf("clear auth: %v", err)
	}
	if am.Credentials() != nil {
		t.Fatalf("expected in-memory credentials cleared")
	}
	if exists, _ := store.AuthExists(); exists {
		t.Fatalf("expected store entry removed")
	}

	ok, err := am.Authenticate(context.Background())
	if err != nil || !ok {
		t.Fatalf("authenticate: ok=%v err=%v", ok, err)
	}
	if calls != 1 {
		t.Fatalf("expected one network authentication, got %d", calls)
	}
}

func TestAuthenticateJWTFlow(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "sfdc.key")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, pemData, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	var capturedGrant, capturedAssertion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		capturedGrant = r.PostForm.Get("grant_type")
		capturedAssertion = r.PostForm.Get("assertion")
		tokenResponse(t, w, "https://org.example")
	}))
	defer server.Close()

	am := NewAuthManager("test", server.URL, &config.AuthConfig{
		GrantType:  config.GrantTypeJWT,
		ClientID:   "cid",
		PrivateKey: keyPath,
		Subject:    "user@example.com",
		Audience:   "https://login.salesforce.com",
	}, nil, server.Client())

	ok, err := am.Authenticate(context.Background())
	if err != nil || !ok {
		t.Fatalf("authenticate: ok=%v err=%v", ok, err)
	}
	if capturedGrant != config.GrantTypeJWT {
		t.Fatalf("unexpected grant type %q", capturedGrant)
	}

	// The assertion is deliberately issued in the past, so skip claim
	// validation and only verify the signature and claim set.
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(capturedAssertion, claims, func(token *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}); err != nil {
		t.Fatalf("parse assertion: %v", err)
	}
	if claims["iss"] != "cid" || claims["sub"] != "user@example.com" || claims["aud"] != "https://login.salesforce.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestAuthenticateJWTFlowBadKeyIsRejection(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "sfdc.key")
	if err := os.WriteFile(keyPath, []byte("not a pem"), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	am := NewAuthManager("test", server.URL, &config.AuthConfig{
		GrantType:  config.GrantTypeJWT,
		ClientID:   "cid",
		PrivateKey: keyPath,
		Subject:    "user@example.com",
		Audience:   "aud",
	}, nil, server.Client())

	ok, err := am.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("expected boolean failure, got %v", err)
	}
	if ok || calls != 0 {
		t.Fatalf("expected local failure before any network call, ok=%v calls=%d", ok, calls)
	}
}
