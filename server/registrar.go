package server

import (
	"crypto/subtle"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/xgauravyaduvanshii/laptoprelay/tunnel"
)

var tunnelIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{3,63}$`)

// Issued is the result of a createTunnel call.
type Issued struct {
	Credentials  *Credentials
	ConnectToken string
	IsRestored   bool
}

// Registrar issues and checks tunnel credentials. It never touches the
// session store: a tunnel only becomes live when its wsUrl is dialed.
type Registrar struct {
	registrationKey string
	creds           CredentialStore
	tokens          *tokenIssuer
}

func NewRegistrar(registrationKey, connectSecret string, creds CredentialStore) *Registrar {
	return &Registrar{
		registrationKey: registrationKey,
		creds:           creds,
		tokens:          &tokenIssuer{secret: []byte(connectSecret)},
	}
}

// CreateTunnel mints a new tunnel, or restores tunnelID with a fresh client
// auth key when tunnelID is not empty.
func (r *Registrar) CreateTunnel(registrationKey, name, tunnelID string) (*Issued, error) {
	if err := r.AuthorizeRegistration(registrationKey); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, &tunnel.InvalidRequestError{Reason: "name is required"}
	}

	restored := tunnelID != ""
	if restored && !tunnelIDPattern.MatchString(tunnelID) {
		return nil, &tunnel.InvalidRequestError{Reason: "tunnel_id must be 4-64 characters of [A-Za-z0-9_-]"}
	}
	if !restored {
		for {
			tunnelID = uuid.NewString()
			if _, exists := r.creds.Get(tunnelID); !exists {
				break
			}
		}
	}

	key, err := randomSecret(32)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	creds := &Credentials{
		TunnelID:      tunnelID,
		Name:          name,
		ClientAuthKey: key,
		CreatedAt:     now,
		RotatedAt:     now,
	}
	if prev, ok := r.creds.Get(tunnelID); ok {
		creds.CreatedAt = prev.CreatedAt
	}

	token, err := r.tokens.issue(creds)
	if err != nil {
		return nil, err
	}
	r.creds.Put(creds)

	return &Issued{Credentials: creds, ConnectToken: token, IsRestored: restored}, nil
}

// AuthorizeRegistration checks the shared registration secret.
func (r *Registrar) AuthorizeRegistration(registrationKey string) error {
	if registrationKey == "" {
		return tunnel.Unauthorized("missing registration key")
	}
	if !secretEqual(registrationKey, r.registrationKey) {
		return tunnel.Unauthorized("invalid registration key")
	}
	return nil
}

// AuthorizeConnect validates the connection secret a laptop presents when
// dialing /tunnel/:tunnelId.
func (r *Registrar) AuthorizeConnect(tunnelID, token string) (*Credentials, error) {
	if token == "" {
		return nil, tunnel.Unauthorized("missing api_key")
	}
	claims, err := r.tokens.parse(token)
	if err != nil {
		return nil, tunnel.Forbidden(err.Error())
	}
	if claims.TunnelID != tunnelID {
		return nil, tunnel.Forbidden("api_key was issued for another tunnel")
	}
	creds, ok := r.creds.Get(tunnelID)
	if !ok {
		return nil, fmt.Errorf("connect %s: %w", tunnelID, tunnel.ErrTunnelNotFound)
	}
	if claims.KeyID != creds.KeyID() {
		return nil, tunnel.Forbidden("api_key has been superseded by a newer registration")
	}
	return creds, nil
}

// AuthorizeClient checks the X-Laptop-Auth-Key presented by a mobile client
// against the tunnel's current client auth key. fallback is used when the
// credential store no longer knows the tunnel.
func (r *Registrar) AuthorizeClient(tunnelID, presented, fallback string) error {
	if presented == "" {
		return tunnel.Unauthorized("missing " + headerLaptopAuthKey)
	}
	expected := fallback
	if creds, ok := r.creds.Get(tunnelID); ok {
		expected = creds.ClientAuthKey
	}
	if expected == "" || !secretEqual(presented, expected) {
		return tunnel.Forbidden("invalid " + headerLaptopAuthKey)
	}
	return nil
}

func secretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
