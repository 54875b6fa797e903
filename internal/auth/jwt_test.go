package auth

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testIssuer   = "harborfdx"
	testAudience = "harborfdx-api"
)

var testIssuerOnce = sync.OnceValues(func() (*Issuer, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewIssuer(key, "test-key", testIssuer, testAudience), nil
})

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := testIssuerOnce()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	return iss
}

func TestNewJWTValidator(t *testing.T) {
	iss := newTestIssuer(t)
	pkix, err := iss.PublicKeyPEM()
	if err != nil {
		t.Fatalf("PublicKeyPEM() error: %v", err)
	}
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&iss.key.PublicKey),
	}))

	tests := []struct {
		name         string
		publicKeyPEM string
		expectError  bool
	}{
		{name: "PKIX public key", publicKeyPEM: pkix},
		{name: "PKCS1 public key", publicKeyPEM: pkcs1},
		{name: "invalid PEM format", publicKeyPEM: "invalid-pem", expectError: true},
		{name: "empty public key", publicKeyPEM: "", expectError: true},
		{
			name: "invalid RSA key format",
			publicKeyPEM: `-----BEGIN PUBLIC KEY-----
aW52YWxpZC1rZXktZGF0YQ==
-----END PUBLIC KEY-----`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator, err := NewJWTValidator(tt.publicKeyPEM, testIssuer, testAudience)

			if tt.expectError {
				if err == nil {
					t.Error("NewJWTValidator() expected error but got none")
				}
				if validator != nil {
					t.Error("NewJWTValidator() should return nil validator on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewJWTValidator() unexpected error: %v", err)
			}
			if validator.issuer != testIssuer || validator.audience != testAudience {
				t.Errorf("NewJWTValidator() = %q/%q, want %q/%q", validator.issuer, validator.audience, testIssuer, testAudience)
			}
			if !validator.publicKey.Equal(&iss.key.PublicKey) {
				t.Error("NewJWTValidator() parsed a different key")
			}
		})
	}
}

func TestJWTValidator_ValidateToken(t *testing.T) {
	iss := newTestIssuer(t)
	validator := iss.Validator()

	valid, err := iss.Issue("cust-1001", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	expiredIssuer := *iss
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := expiredIssuer.Issue("cust-1001", time.Minute)

	otherAudience := *iss
	otherAudience.audience = "someone-else"
	wrongAud, _ := otherAudience.Issue("cust-1001", time.Minute)

	otherIssuer := *iss
	otherIssuer.issuer = "evil"
	wrongIss, _ := otherIssuer.Issue("cust-1001", time.Minute)

	otherKey, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	forged, _ := NewIssuer(otherKey, "test-key", testIssuer, testAudience).Issue("cust-1001", time.Minute)

	tests := []struct {
		name        string
		token       string
		want        string
		expectError bool
	}{
		{name: "valid token", token: valid, want: "cust-1001"},
		{name: "invalid token format", token: "invalid-token", expectError: true},
		{name: "empty token", token: "", expectError: true},
		{name: "malformed JWT token", token: "header.payload", expectError: true},
		{name: "expired token", token: expired, expectError: true},
		{name: "wrong audience", token: wrongAud, expectError: true},
		{name: "wrong issuer", token: wrongIss, expectError: true},
		{name: "signed by another key", token: forged, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validator.ValidateToken(tt.token)

			if tt.expectError {
				if err == nil {
					t.Error("ValidateToken() expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateToken() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ValidateToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIssuer_RejectsEmptyCustomer(t *testing.T) {
	if _, err := newTestIssuer(t).Issue("", time.Minute); err == nil {
		t.Error("Issue(\"\") expected error")
	}
}

func TestJWTValidator_HTTPMiddleware(t *testing.T) {
	iss := newTestIssuer(t)
	token, err := iss.Issue("cust-1002", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	mockHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if customerID, ok := CustomerIDFromContext(r.Context()); ok {
			w.Header().Set("X-Seen-Customer", customerID)
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name             string
		path             string
		trustGateway     bool
		headers          map[string]string
		expectedStatus   int
		expectedCustomer string
	}{
		{name: "health check bypass", path: "/healthz", expectedStatus: http.StatusOK},
		{name: "metrics bypass", path: "/metrics", expectedStatus: http.StatusOK},
		{
			name:             "valid bearer token",
			path:             "/fdx/v6/accounts",
			headers:          map[string]string{"Authorization": "Bearer " + token},
			expectedStatus:   http.StatusOK,
			expectedCustomer: "cust-1002",
		},
		{
			name:             "trusted gateway header",
			path:             "/fdx/v6/accounts",
			trustGateway:     true,
			headers:          map[string]string{GatewayHeader: "cust-1001"},
			expectedStatus:   http.StatusOK,
			expectedCustomer: "cust-1001",
		},
		{
			name:           "gateway header ignored unless trusted",
			path:           "/fdx/v6/accounts",
			headers:        map[string]string{GatewayHeader: "cust-1001"},
			expectedStatus: http.StatusUnauthorized,
		},
		{name: "missing authorization header", path: "/fdx/v6/accounts", expectedStatus: http.StatusUnauthorized},
		{
			name:           "invalid authorization header format",
			path:           "/fdx/v6/accounts",
			headers:        map[string]string{"Authorization": "InvalidFormat token"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid JWT token",
			path:           "/fdx/v6/accounts",
			headers:        map[string]string{"Authorization": "Bearer invalid-token"},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator := iss.Validator()
			validator.TrustGateway = tt.trustGateway
			middleware := validator.HTTPMiddleware(mockHandler)

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			middleware.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("HTTPMiddleware() status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if got := w.Header().Get("X-Seen-Customer"); got != tt.expectedCustomer {
				t.Errorf("HTTPMiddleware() customer = %q, want %q", got, tt.expectedCustomer)
			}
		})
	}
}

func TestHeaderMiddleware(t *testing.T) {
	var seen string
	h := HeaderMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CustomerIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/fdx/v6/accounts", nil)
	req.Header.Set(GatewayHeader, "cust-1002")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "cust-1002" {
		t.Errorf("customer = %q, want cust-1002", seen)
	}

	seen = "unchanged"
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fdx/v6/accounts", nil))
	if seen != "" {
		t.Errorf("customer without header = %q, want empty", seen)
	}
}

func TestCustomerIDFromContext(t *testing.T) {
	tests := []struct {
		name   string
		ctx    context.Context
		want   string
		wantOK bool
	}{
		{name: "set", ctx: WithCustomerID(context.Background(), "cust-1001"), want: "cust-1001", wantOK: true},
		{name: "missing", ctx: context.Background()},
		{name: "empty", ctx: WithCustomerID(context.Background(), "")},
		{name: "wrong type", ctx: context.WithValue(context.Background(), CustomerIDKey, 123)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CustomerIDFromContext(tt.ctx)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("CustomerIDFromContext() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFetchJWKS(t *testing.T) {
	iss := newTestIssuer(t)

	tests := []struct {
		name          string
		kid           string
		handler       http.HandlerFunc
		expectError   bool
		errorContains string
	}{
		{name: "key by kid", kid: "test-key", handler: iss.JWKSHandler},
		{name: "first key without kid", handler: iss.JWKSHandler},
		{
			name:          "unknown kid",
			kid:           "rotated-out",
			handler:       iss.JWKSHandler,
			expectError:   true,
			errorContains: `no key with kid "rotated-out"`,
		},
		{
			name:          "JWKS endpoint returns 404",
			handler:       http.NotFound,
			expectError:   true,
			errorContains: "JWKS endpoint returned status 404",
		},
		{
			name: "JWKS endpoint returns invalid JSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("invalid-json"))
			},
			expectError:   true,
			errorContains: "failed to decode JWKS",
		},
		{
			name: "JWKS endpoint returns empty keys",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{}})
			},
			expectError:   true,
			errorContains: "no keys found in JWKS",
		},
		{
			name: "non-RSA key",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{{Kty: "EC", Kid: "ec"}}})
			},
			expectError:   true,
			errorContains: "unsupported kty",
		},
		{
			name: "bad modulus encoding",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{{Kty: "RSA", N: "***", E: "AQAB"}}})
			},
			expectError:   true,
			errorContains: "modulus",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			key, err := FetchJWKS(context.Background(), server.URL, tt.kid)

			if tt.expectError {
				if err == nil {
					t.Fatal("FetchJWKS() expected error but got none")
				}
				if !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("FetchJWKS() error = %v, want to contain %q", err, tt.errorContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchJWKS() unexpected error: %v", err)
			}
			if !key.Equal(&iss.key.PublicKey) {
				t.Error("FetchJWKS() returned a different key")
			}
		})
	}
}

func TestFetchJWKS_ValidatesIssuedTokens(t *testing.T) {
	iss := newTestIssuer(t)
	server := httptest.NewServer(http.HandlerFunc(iss.JWKSHandler))
	defer server.Close()

	key, err := FetchJWKS(context.Background(), server.URL, "test-key")
	if err != nil {
		t.Fatalf("FetchJWKS() error: %v", err)
	}
	token, _ := iss.Issue("cust-1001", time.Minute)
	got, err := NewJWTValidatorFromKey(key, testIssuer, testAudience).ValidateToken(token)
	if err != nil || got != "cust-1001" {
		t.Errorf("ValidateToken() = %q, %v, want cust-1001", got, err)
	}
}

func TestFetchJWKS_NetworkError(t *testing.T) {
	_, err := FetchJWKS(context.Background(), "http://127.0.0.1:1/jwks.json", "")

	if err == nil {
		t.Fatal("FetchJWKS() expected network error but got none")
	}
	if !strings.Contains(err.Error(), "failed to fetch JWKS") {
		t.Errorf("FetchJWKS() error = %v, want to contain 'failed to fetch JWKS'", err)
	}
}

func TestIssuer_TokenHandler(t *testing.T) {
	iss := newTestIssuer(t)

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
	}{
		{name: "issues token", method: http.MethodPost, body: `{"customer_id":"cust-1001","ttl_seconds":60}`, wantStatus: http.StatusOK},
		{name: "missing customer", method: http.MethodPost, body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "bad json", method: http.MethodPost, body: `{`, wantStatus: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodGet, wantStatus: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/token", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			iss.TokenHandler(w, req)
			if w.Code != tt.wantStatus {
				t.Fatalf("TokenHandler() status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp struct {
				Token     string `json:"token"`
				ExpiresIn int    `json:"expires_in"`
			}
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.ExpiresIn != 60 {
				t.Errorf("expires_in = %d, want 60", resp.ExpiresIn)
			}
			if got, err := iss.Validator().ValidateToken(resp.Token); err != nil || got != "cust-1001" {
				t.Errorf("ValidateToken() = %q, %v", got, err)
			}
		})
	}
}
