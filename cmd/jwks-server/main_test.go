package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/austindbirch/jobharbor/internal/auth"
	"github.com/austindbirch/jobharbor/internal/logging"
)

func testServer(t *testing.T) (*keyServer, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate test RSA key: %v", err)
	}
	logger := logging.New("jwks-test").WithOutput(io.Discard)
	return newKeyServer(key, "test-key-1", "jobharbor-auth", "jobharbor-api", logger), key
}

func TestLoadKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		pem     string
		wantErr bool
	}{
		{name: "generate", pem: ""},
		{name: "pkcs1", pem: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))},
		{name: "pkcs8", pem: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}))},
		{name: "not pem", pem: "garbage", wantErr: true},
		{name: "bad der", pem: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("nope")})), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadKey(tt.pem)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got == nil {
				t.Error("loadKey() returned nil key")
			}
		})
	}
}

func TestJWKSRoute(t *testing.T) {
	s, key := testServer(t)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/jwks.json")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Cache-Control"); got != "public, max-age=300" {
		t.Errorf("Cache-Control = %q", got)
	}

	pub, err := auth.FetchJWKS(context.Background(), srv.URL+"/.well-known/jwks.json", "test-key-1")
	if err != nil {
		t.Fatalf("FetchJWKS() error = %v", err)
	}
	if pub.N.Cmp(key.PublicKey.N) != 0 || pub.E != key.PublicKey.E {
		t.Error("published key does not match signing key")
	}
}

func TestTokenRoute(t *testing.T) {
	s, key := testServer(t)
	validator := auth.NewJWTValidatorFromKey(&key.PublicKey, "jobharbor-auth", "jobharbor-api")

	tests := []struct {
		name         string
		body         string
		wantStatus   int
		wantContains string
		wantTTL      float64
		wantOperator bool
	}{
		{name: "default", body: `{"tenant_id":"acme"}`, wantStatus: http.StatusOK, wantTTL: 3600},
		{name: "ttl", body: `{"tenant_id":"acme","ttl_seconds":7200}`, wantStatus: http.StatusOK, wantTTL: 7200},
		{name: "ttl capped", body: `{"tenant_id":"acme","ttl_seconds":999999}`, wantStatus: http.StatusOK, wantTTL: 86400},
		{name: "operator", body: `{"tenant_id":"platform","roles":["operator"]}`, wantStatus: http.StatusOK, wantTTL: 3600, wantOperator: true},
		{name: "unknown role", body: `{"tenant_id":"acme","roles":["root"]}`, wantStatus: http.StatusBadRequest, wantContains: "unknown role"},
		{name: "missing tenant", body: `{}`, wantStatus: http.StatusBadRequest, wantContains: "tenant_id is required"},
		{name: "invalid json", body: `{invalid`, wantStatus: http.StatusBadRequest, wantContains: "Invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			s.routes().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				if !strings.Contains(w.Body.String(), tt.wantContains) {
					t.Errorf("body = %q, want to contain %q", w.Body.String(), tt.wantContains)
				}
				return
			}

			var resp struct {
				Token     string  `json:"token"`
				ExpiresIn float64 `json:"expires_in"`
				TokenType string  `json:"token_type"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.TokenType != "Bearer" || resp.ExpiresIn != tt.wantTTL {
				t.Errorf("response = %+v", resp)
			}
			claims, err := validator.ValidateToken(resp.Token)
			if err != nil {
				t.Fatalf("ValidateToken() error = %v", err)
			}
			if claims.HasRole(auth.RoleOperator) != tt.wantOperator {
				t.Errorf("operator role = %v, want %v", !tt.wantOperator, tt.wantOperator)
			}
			if !tt.wantOperator && !claims.HasRole(auth.RoleTenant) {
				t.Error("tenant token missing tenant role")
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	s, _ := testServer(t)
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %q", w.Code, w.Body.String())
	}
}
