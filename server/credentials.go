package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials are the secrets issued for one tunnel id. Only the latest
// issue is kept; restoring a tunnel overwrites them.
type Credentials struct {
	TunnelID      string
	Name          string
	ClientAuthKey string
	CreatedAt     time.Time
	RotatedAt     time.Time
}

// KeyID is a short, non-reversible fingerprint of the client auth key. It is
// embedded in connect tokens so that rotating the key invalidates them.
func (c *Credentials) KeyID() string {
	sum := sha256.Sum256([]byte(c.ClientAuthKey))
	return hex.EncodeToString(sum[:8])
}

// CredentialStore keeps issued credentials by tunnel id.
type CredentialStore interface {
	Put(c *Credentials) (previous *Credentials)
	Get(tunnelID string) (*Credentials, bool)
	Len() int
}

type MemoryCredentials struct {
	mu   sync.RWMutex
	byID map[string]*Credentials
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{byID: map[string]*Credentials{}}
}

func (m *MemoryCredentials) Put(c *Credentials) *Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.byID[c.TunnelID]
	m.byID[c.TunnelID] = c
	return prev
}

func (m *MemoryCredentials) Get(tunnelID string) (*Credentials, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[tunnelID]
	return c, ok
}

func (m *MemoryCredentials) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

const connectTokenType = "connect"

type connectClaims struct {
	TunnelID  string `json:"tunnelId"`
	KeyID     string `json:"kid"`
	TokenType string `json:"tokenType"`
	jwt.RegisteredClaims
}

var errBadConnectToken = errors.New("invalid connect token")

// tokenIssuer signs the connection-establishment secret handed to the laptop
// in its wsUrl.
type tokenIssuer struct {
	secret []byte
}

func (t *tokenIssuer) issue(c *Credentials) (string, error) {
	claims := connectClaims{
		TunnelID:  c.TunnelID,
		KeyID:     c.KeyID(),
		TokenType: connectTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  c.TunnelID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign connect token: %w", err)
	}
	return signed, nil
}

func (t *tokenIssuer) parse(raw string) (*connectClaims, error) {
	result := &connectClaims{}
	token, err := jwt.ParseWithClaims(raw, result, func(_ *jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadConnectToken, err)
	}
	if !token.Valid || result.TokenType != connectTokenType {
		return nil, errBadConnectToken
	}
	return result, nil
}

// randomSecret returns n random bytes, hex encoded.
func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
