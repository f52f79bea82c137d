// Package auth validates crew bearer tokens. Tokens are RS256 JWTs checked
// against a JWKS endpoint, or HS256 JWTs checked against a shared secret.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoToken = errors.New("bearer token required")

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet represents a set of JSON Web Keys
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// Config selects how tokens are checked. With DevMode set a request without
// a token is admitted as an anonymous crew member.
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Secret   string
	DevMode  bool
}

// CrewClaims are the claims carried by a crew token.
type CrewClaims struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// DisplayName falls back to the subject when no name claim is present.
func (c *CrewClaims) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Subject
}

// Verifier checks crew tokens.
type Verifier struct {
	cfg  Config
	http *http.Client

	mu        sync.Mutex
	jwkSet    *JWKSet
	lastFetch time.Time
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if !cfg.DevMode && cfg.JWKSURL == "" && cfg.Secret == "" {
		return nil, errors.New("auth: jwks url or secret required outside dev mode")
	}
	return &Verifier{cfg: cfg, http: &http.Client{Timeout: 10 * time.Second}}, nil
}

// fetchJWKS refreshes the key set at most once an hour.
func (v *Verifier) fetchJWKS() error {
	if v.jwkSet != nil && time.Since(v.lastFetch) < time.Hour {
		return nil
	}

	resp, err := v.http.Get(v.cfg.JWKSURL)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch JWKS: status %d", resp.StatusCode)
	}

	var set JWKSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	v.jwkSet = &set
	v.lastFetch = time.Now()
	return nil
}

func (v *Verifier) publicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.fetchJWKS(); err != nil {
		return nil, err
	}
	for _, key := range v.jwkSet.Keys {
		if key.Kid == kid && key.Kty == "RSA" {
			return jwkToRSAPublicKey(key)
		}
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func jwkToRSAPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode N: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode E: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodRSA:
		if v.cfg.JWKSURL == "" {
			return nil, errors.New("rsa tokens not accepted")
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid not found in token header")
		}
		return v.publicKey(kid)
	case *jwt.SigningMethodHMAC:
		if v.cfg.Secret == "" {
			return nil, errors.New("hmac tokens not accepted")
		}
		return []byte(v.cfg.Secret), nil
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
}

// ValidateToken parses and verifies a crew token. In dev mode without any
// key configured the signature is not checked.
func (v *Verifier) ValidateToken(tokenString string) (*CrewClaims, error) {
	var opts []jwt.ParserOption
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	if v.cfg.DevMode && v.cfg.JWKSURL == "" && v.cfg.Secret == "" {
		claims := &CrewClaims{}
		if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
		return claims, nil
	}

	token, err := parser.ParseWithClaims(tokenString, &CrewClaims{}, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*CrewClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token or claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// TokenFromRequest reads the bearer token from the Authorization header, or
// from the token query parameter for websocket upgrades.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		tok := strings.TrimPrefix(h, "Bearer ")
		if tok == h || tok == "" {
			return "", ErrNoToken
		}
		return tok, nil
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", ErrNoToken
}

// Authenticate resolves the crew identity of a request.
func (v *Verifier) Authenticate(r *http.Request) (*CrewClaims, error) {
	tok, err := TokenFromRequest(r)
	if errors.Is(err, ErrNoToken) && v.cfg.DevMode {
		return &CrewClaims{Name: "cadet", RegisteredClaims: jwt.RegisteredClaims{Subject: "dev"}}, nil
	}
	if err != nil {
		return nil, err
	}
	return v.ValidateToken(tok)
}

type ctxKey struct{}

// Middleware rejects requests without a valid crew token and stores the
// claims in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := v.Authenticate(r)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func WithClaims(ctx context.Context, c *CrewClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ClaimsFromContext extracts crew claims from a request context.
func ClaimsFromContext(ctx context.Context) (*CrewClaims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*CrewClaims)
	return c, ok
}

// SignHMAC issues an HS256 crew token. Used by local tooling and tests.
func SignHMAC(secret, subject, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := CrewClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
