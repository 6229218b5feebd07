package roles

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ActorHeader is the HTTP header carrying the acting identity in
// development mode. In production an identity extractor backed by real
// authentication (JWT) replaces the header.
const ActorHeader = "X-Actor"

// IdentityExtractor extracts the acting identity from an HTTP request.
// Returns "" when no identity is present.
type IdentityExtractor func(r *http.Request) string

// HeaderIdentityExtractor reads the identity from the X-Actor header.
func HeaderIdentityExtractor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

// JWTExtractorConfig configures the JWT-based identity extractor.
type JWTExtractorConfig struct {
	// SubjectClaim is the claim holding the identity. Default "sub".
	SubjectClaim string

	// PublicKeyPath is the path to the PEM-encoded RSA public key for
	// RS256 verification. If empty, tokens are parsed but NOT verified
	// (suitable only behind a trusted proxy).
	PublicKeyPath string

	// Issuer is the expected iss claim. If empty, not validated.
	Issuer string

	// Audience is the expected aud claim. If empty, not validated.
	Audience string

	// Logger for debugging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewJWTIdentityExtractor creates an IdentityExtractor that reads the
// acting identity from a JWT Bearer token. Roles are NOT taken from the
// token: they stay authoritative on the ledger, so a forged or stale
// claim can at most impersonate an identity the signer controls.
func NewJWTIdentityExtractor(cfg JWTExtractorConfig) (IdentityExtractor, error) {
	if cfg.SubjectClaim == "" {
		cfg.SubjectClaim = "sub"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var publicKey *rsa.PublicKey
	if cfg.PublicKeyPath != "" {
		keyData, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read JWT public key from %s: %w", cfg.PublicKeyPath, err)
		}
		block, _ := pem.Decode(keyData)
		if block == nil {
			return nil, fmt.Errorf("failed to decode PEM block from %s", cfg.PublicKeyPath)
		}
		parsedKey, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		rsaKey, ok := parsedKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA (got %T)", parsedKey)
		}
		publicKey = rsaKey
		cfg.Logger.Info("JWT identity extractor: using RS256 verification", "keyPath", cfg.PublicKeyPath)
	} else {
		cfg.Logger.Warn("JWT identity extractor: no public key configured, tokens parsed without verification (trusted proxy mode)")
	}

	return func(r *http.Request) string {
		token := extractBearerToken(r)
		if token == "" {
			return ""
		}
		claims, err := parseClaims(token, publicKey, cfg)
		if err != nil {
			cfg.Logger.Debug("JWT parse failed", "error", err)
			return ""
		}
		if sub, ok := claims[cfg.SubjectClaim].(string); ok {
			return strings.TrimSpace(sub)
		}
		return ""
	}, nil
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseClaims(tokenStr string, publicKey *rsa.PublicKey, cfg JWTExtractorConfig) (jwt.MapClaims, error) {
	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := jwt.MapClaims{}
	if publicKey == nil {
		parser := jwt.NewParser(opts...)
		_, _, err := parser.ParseUnverified(tokenStr, claims)
		if err != nil {
			return nil, err
		}
		return claims, nil
	}

	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return publicKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
