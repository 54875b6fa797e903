package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultTokenTTL = time.Hour

// Issuer signs development tokens and serves the matching JWKS.
type Issuer struct {
	key      *rsa.PrivateKey
	kid      string
	issuer   string
	audience string
	now      func() time.Time
}

func NewIssuer(key *rsa.PrivateKey, kid, issuer, audience string) *Issuer {
	return &Issuer{key: key, kid: kid, issuer: issuer, audience: audience, now: time.Now}
}

// GenerateKey returns a fresh 2048-bit RSA key.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// ParsePrivateKeyPEM accepts PKCS1 or PKCS8 RSA keys.
func ParsePrivateKeyPEM(keyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rk, nil
}

// PublicKeyPEM encodes the issuer's public key as PKIX PEM.
func (i *Issuer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&i.key.PublicKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Validator returns a validator accepting this issuer's tokens.
func (i *Issuer) Validator() *JWTValidator {
	return NewJWTValidatorFromKey(&i.key.PublicKey, i.issuer, i.audience)
}

// Issue signs a token whose subject is customerID.
func (i *Issuer) Issue(customerID string, ttl time.Duration) (string, error) {
	if customerID == "" {
		return "", fmt.Errorf("customer id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		Subject:   customerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	token.Header["kid"] = i.kid
	return token.SignedString(i.key)
}

// JWKS returns the public half as a key set.
func (i *Issuer) JWKS() JSONWebKeySet {
	pub := i.key.PublicKey
	return JSONWebKeySet{Keys: []JSONWebKey{{
		Kty: "RSA",
		Use: "sig",
		Kid: i.kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
}

// JWKSHandler serves the key set.
func (i *Issuer) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(i.JWKS())
}

// TokenHandler issues a token for {"customer_id": "...", "ttl_seconds": n}.
func (i *Issuer) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		CustomerID string `json:"customer_id"`
		TTL        int    `json:"ttl_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.CustomerID == "" {
		http.Error(w, "customer_id is required", http.StatusBadRequest)
		return
	}

	ttl := time.Duration(req.TTL) * time.Second
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	token, err := i.Issue(req.CustomerID, ttl)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      token,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}
