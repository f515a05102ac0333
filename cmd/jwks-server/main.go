package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/austindbirch/jobharbor/internal/auth"
	"github.com/austindbirch/jobharbor/internal/logging"
)

const (
	defaultTTL = time.Hour
	maxTTL     = 24 * time.Hour
)

// keyServer publishes one RSA public key and issues tokens signed with it.
type keyServer struct {
	pub    *rsa.PublicKey
	keyID  string
	signer *auth.Signer
	logger *logging.Logger
}

func newKeyServer(key *rsa.PrivateKey, keyID, issuer, audience string, logger *logging.Logger) *keyServer {
	return &keyServer{
		pub:    &key.PublicKey,
		keyID:  keyID,
		signer: auth.NewSigner(key, keyID, issuer, audience),
		logger: logger,
	}
}

// loadKey parses JWT_PRIVATE_KEY (PKCS1 or PKCS8 PEM) or generates a fresh
// key when it is unset.
func loadKey(pemData string) (*rsa.PrivateKey, error) {
	if pemData == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return k, nil
}

// jwks serves the JWKS endpoint
func (s *keyServer) jwks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.EncodeJWK(s.pub, s.keyID)}})
}

type tokenRequest struct {
	TenantID string   `json:"tenant_id"`
	TTL      int      `json:"ttl_seconds,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// token issues a token for a tenant. Roles default to tenant.
func (s *keyServer) token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Roles) == 0 {
		req.Roles = []string{auth.RoleTenant}
	}
	for _, role := range req.Roles {
		if role != auth.RoleTenant && role != auth.RoleOperator {
			http.Error(w, "unknown role "+role, http.StatusBadRequest)
			return
		}
	}

	ttl := time.Duration(req.TTL) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}
	ttl = min(ttl, maxTTL)

	signed, err := s.signer.Issue(req.TenantID, req.Roles, ttl)
	if err != nil {
		s.logger.Plain().WithError(err).Error("Failed to sign token")
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	s.logger.Plain().WithTenant(req.TenantID).
		WithField("operator", slices.Contains(req.Roles, auth.RoleOperator)).
		Info("Issued token")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      signed,
		"expires_in": int(ttl / time.Second),
		"token_type": "Bearer",
	})
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *keyServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", s.jwks)
	mux.HandleFunc("POST /token", s.token)
	mux.HandleFunc("GET /healthz", healthz)
	return mux
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger := logging.New("jobharbor-jwks")

	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to load signing key")
	}
	s := newKeyServer(key,
		getenv("JWT_KEY_ID", "jobharbor-key-1"),
		getenv("JWT_ISSUER", "jobharbor-auth"),
		getenv("JWT_AUDIENCE", "jobharbor-api"),
		logger)

	port := getenv("PORT", "8082")
	logger.Plain().WithField("port", port).WithField("kid", s.keyID).Info("JWKS server starting")

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("Server failed")
	}
}
