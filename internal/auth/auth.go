// Package auth issues and validates the JWTs that carry an agent's org and
// role, and hashes API keys.
//
// Tokens are signed with Ed25519 (EdDSA). Keys come from PEM files or, in
// development, an ephemeral pair generated at startup.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/shinsa/internal/model"
)

// Issuer is both the iss and aud of every token.
const Issuer = "shinsa"

// Claims extends jwt.RegisteredClaims with the caller's identity. OrgID
// scopes every request the token makes.
type Claims struct {
	jwt.RegisteredClaims
	AgentID string          `json:"agent_id"`
	OrgID   uuid.UUID       `json:"org_id"`
	Role    model.AgentRole `json:"role"`
}

// Allows reports whether the token's role is at least minRole.
func (c *Claims) Allows(minRole model.AgentRole) bool {
	return c != nil && c.Role.AtLeast(minRole)
}

// clockSkew is the leeway allowed on exp, nbf and iat between replicas.
const clockSkew = 30 * time.Second

// JWTManager signs and verifies tokens with one Ed25519 key pair.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
	parser     *jwt.Parser
}

// NewJWTManager loads the key pair from PEM files (PKCS#8 private, PKIX
// public). With either path empty it generates a throwaway pair, so tokens
// stop verifying when the process restarts.
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	var (
		priv ed25519.PrivateKey
		pub  ed25519.PublicKey
		err  error
	)
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		if pub, priv, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
	} else if priv, pub, err = loadKeyPair(privateKeyPath, publicKeyPath); err != nil {
		return nil, err
	}

	return &JWTManager{
		privateKey: priv,
		publicKey:  pub,
		expiration: expiration,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
			jwt.WithAudience(Issuer),
			jwt.WithIssuer(Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(clockSkew),
		),
	}, nil
}

func loadKeyPair(privateKeyPath, publicKeyPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	priv, err := loadKey[ed25519.PrivateKey](privateKeyPath, x509.ParsePKCS8PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: private key: %w", err)
	}
	pub, err := loadKey[ed25519.PublicKey](publicKeyPath, x509.ParsePKIXPublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: public key: %w", err)
	}
	// Files from different environments would sign tokens nobody verifies.
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
		return nil, nil, fmt.Errorf("auth: public key does not match private key")
	}
	return priv, pub, nil
}

// loadKey reads the first PEM block of path and parses it as a K.
func loadKey[K any](path string, parse func([]byte) (any, error)) (K, error) {
	var zero K
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return zero, fmt.Errorf("read %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return zero, fmt.Errorf("decode PEM in %s", path)
	}
	parsed, err := parse(block.Bytes)
	if err != nil {
		return zero, fmt.Errorf("parse %s: %w", path, err)
	}
	key, ok := parsed.(K)
	if !ok {
		return zero, fmt.Errorf("%s: not an Ed25519 key (%T)", path, parsed)
	}
	return key, nil
}

// IssueToken signs a token for agent and returns it with its expiry.
func (m *JWTManager) IssueToken(agent model.Agent) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   agent.ID.String(),
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		AgentID: agent.AgentID,
		OrgID:   agent.OrgID,
		Role:    agent.Role,
	})
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken verifies tokenStr and returns its claims. Besides the
// registered claims it requires a UUID subject, an org and a known role.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	if _, err := m.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return m.publicKey, nil
	}); err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	switch {
	case uuid.Validate(claims.Subject) != nil:
		return nil, fmt.Errorf("auth: subject %q is not a UUID", claims.Subject)
	case claims.OrgID == uuid.Nil:
		return nil, fmt.Errorf("auth: token has no org")
	case !claims.Role.Valid():
		return nil, fmt.Errorf("auth: unknown role %q", claims.Role)
	}
	return claims, nil
}
