// Package auth admits peers: it checks the protocol version announced in
// Connect and exchanges connection tokens for verified identities through
// an external Verifier.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bastion-project/bastion/internal/protocol"
)

var (
	// ErrVersionMismatch is returned for peers speaking another protocol version.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrInvalidToken is returned for empty, unknown or expired tokens.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrUnavailable wraps verifier failures that are not a verdict on the token.
	ErrUnavailable = errors.New("auth service unavailable")
)

// Identity is a verified (user, character) pair.
type Identity struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`
}

// Verifier exchanges a connection token for an identity. Implementations
// return ErrInvalidToken (possibly wrapped) when the token is rejected.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Authenticator is the admission façade used by the session manager.
type Authenticator struct {
	verifier Verifier
	timeout  time.Duration
}

// NewAuthenticator creates an Authenticator. A zero timeout means 5s.
func NewAuthenticator(v Verifier, timeout time.Duration) *Authenticator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Authenticator{verifier: v, timeout: timeout}
}

// CheckVersion accepts only the current protocol version.
func (a *Authenticator) CheckVersion(v uint16) error {
	if v != protocol.ProtocolVersion {
		return fmt.Errorf("%w: client %d, server %d", ErrVersionMismatch, v, protocol.ProtocolVersion)
	}
	return nil
}

// Authenticate verifies token within the configured timeout.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrInvalidToken
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	id, err := a.verifier.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("%w: verifier returned no user id", ErrInvalidToken)
	}
	if id.Name == "" {
		id.Name = id.UserID
	}
	return id, nil
}

// Code maps an admission error to the wire error code.
func Code(err error) protocol.ErrorCode {
	switch {
	case err == nil:
		return protocol.ErrCodeNone
	case errors.Is(err, ErrVersionMismatch):
		return protocol.ErrCodeVersionMismatch
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrUnavailable):
		return protocol.ErrCodeAuthFailed
	default:
		return protocol.ErrCodeInternal
	}
}

// DevVerifier accepts "user[:character[:name]]" tokens without any
// external call. It is for local play and tests only.
type DevVerifier struct{}

// Verify parses the token.
func (DevVerifier) Verify(_ context.Context, token string) (Identity, error) {
	parts := strings.SplitN(token, ":", 3)
	id := Identity{UserID: strings.TrimSpace(parts[0])}
	if id.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	if len(parts) > 1 {
		id.CharacterID = parts[1]
	}
	if len(parts) > 2 {
		id.Name = parts[2]
	}
	return id, nil
}
