package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHMACTokenRoundTrip(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "s3cret"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	tok, err := SignHMAC("s3cret", "crew-1", "Ripley", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := v.ValidateToken(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "crew-1" || claims.DisplayName() != "Ripley" {
		t.Fatalf("claims = %+v", claims)
	}

	bad, _ := SignHMAC("other", "crew-1", "Ripley", time.Minute)
	if _, err := v.ValidateToken(bad); err == nil {
		t.Fatalf("token signed with the wrong secret accepted")
	}
	expired, _ := SignHMAC("s3cret", "crew-1", "Ripley", -time.Minute)
	if _, err := v.ValidateToken(expired); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestRSATokenViaJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	set := JWKSet{Keys: []JWK{{
		Kty: "RSA",
		Kid: "k1",
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}}}
	var fetches atomic.Int32
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode(set)
	}))
	defer jwks.Close()

	v, _ := NewVerifier(Config{JWKSURL: jwks.URL, Issuer: "https://id.example.com"})
	sign := func(iss string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, CrewClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "crew-2",
				Issuer:    iss,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		})
		tok.Header["kid"] = "k1"
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	claims, err := v.ValidateToken(sign("https://id.example.com"))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.DisplayName() != "crew-2" {
		t.Fatalf("display name = %q", claims.DisplayName())
	}
	if _, err := v.ValidateToken(sign("https://evil.example.com")); err == nil {
		t.Fatalf("wrong issuer accepted")
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("jwks fetched %d times, want cached", n)
	}

	hmacTok, _ := SignHMAC("s3cret", "crew-1", "", time.Minute)
	if _, err := v.ValidateToken(hmacTok); err == nil {
		t.Fatalf("hmac token accepted without a secret")
	}
}

func TestMiddleware(t *testing.T) {
	v, _ := NewVerifier(Config{Secret: "s3cret"})
	var seen *CrewClaims
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stations", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rr.Code)
	}

	tok, _ := SignHMAC("s3cret", "crew-1", "Ripley", time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/api/stations", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || seen == nil || seen.Subject != "crew-1" {
		t.Fatalf("status = %d claims = %+v", rr.Code, seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
	if _, err := v.Authenticate(req); err != nil {
		t.Fatalf("query token rejected: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/stations", nil)
	req.Header.Set("Authorization", "Token "+tok)
	if _, err := v.Authenticate(req); err == nil {
		t.Fatalf("non-bearer scheme accepted")
	}
}

func TestDevMode(t *testing.T) {
	v, err := NewVerifier(Config{DevMode: true})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	claims, err := v.Authenticate(httptest.NewRequest(http.MethodGet, "/ws", nil))
	if err != nil || claims.Subject != "dev" {
		t.Fatalf("anonymous dev request: %+v %v", claims, err)
	}
	tok, _ := SignHMAC("anything", "crew-9", "Hicks", time.Minute)
	claims, err = v.ValidateToken(tok)
	if err != nil || claims.DisplayName() != "Hicks" {
		t.Fatalf("dev mode token: %+v %v", claims, err)
	}

	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected error without keys outside dev mode")
	}
}
