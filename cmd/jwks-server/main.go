package main

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/austindbirch/harbor_fdx/internal/auth"
	"github.com/austindbirch/harbor_fdx/internal/logging"
)

const keyID = "harborfdx-key-1"

// loadIssuer uses JWT_PRIVATE_KEY when set, otherwise a fresh key.
func loadIssuer(logger *logging.Logger) (*auth.Issuer, error) {
	issuer := getenv("AUTH_ISSUER", "harborfdx")
	audience := getenv("AUTH_AUDIENCE", "harborfdx-api")

	if keyPEM := os.Getenv("JWT_PRIVATE_KEY"); keyPEM != "" {
		key, err := auth.ParsePrivateKeyPEM(keyPEM)
		if err != nil {
			return nil, err
		}
		return auth.NewIssuer(key, keyID, issuer, audience), nil
	}

	key, err := auth.GenerateKey()
	if err != nil {
		return nil, err
	}
	logger.Plain().Info("Generated new RSA key pair for JWT signing")
	return auth.NewIssuer(key, keyID, issuer, audience), nil
}

func newMux(iss *auth.Issuer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", iss.JWKSHandler)
	mux.HandleFunc("/token", iss.TokenHandler)
	mux.HandleFunc("/healthz", healthHandler)
	return mux
}

// healthHandler provides a simple health check endpoint
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	logger := logging.New("harborfdx-jwks")

	iss, err := loadIssuer(logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to load signing key")
	}

	port := getenv("PORT", "8082")
	logger.Plain().WithFields(map[string]any{
		"port":  port,
		"jwks":  "/.well-known/jwks.json",
		"token": "POST /token",
	}).Info("JWKS server starting")

	if err := http.ListenAndServe(":"+port, newMux(iss)); err != nil {
		logger.Plain().WithError(err).Fatal("server failed")
	}
}
