package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bastion-project/bastion/internal/protocol"
)

type verifierFunc func(ctx context.Context, token string) (Identity, error)

func (f verifierFunc) Verify(ctx context.Context, token string) (Identity, error) { return f(ctx, token) }

func TestCheckVersion(t *testing.T) {
	a := NewAuthenticator(DevVerifier{}, time.Second)
	if err := a.CheckVersion(protocol.ProtocolVersion); err != nil {
		t.Fatalf("current version rejected: %v", err)
	}
	err := a.CheckVersion(protocol.ProtocolVersion + 1)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("err = %v", err)
	}
	if Code(err) != protocol.ErrCodeVersionMismatch {
		t.Fatalf("code = %s", Code(err))
	}
}

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name     string
		verifier Verifier
		token    string
		wantErr  error
		wantUser string
	}{
		{"dev token", DevVerifier{}, "u1:c1:Alice", nil, "u1"},
		{"empty token", DevVerifier{}, "  ", ErrInvalidToken, ""},
		{"rejected", verifierFunc(func(context.Context, string) (Identity, error) {
			return Identity{}, ErrInvalidToken
		}), "x", ErrInvalidToken, ""},
		{"unreachable", verifierFunc(func(context.Context, string) (Identity, error) {
			return Identity{}, errors.New("connection refused")
		}), "x", ErrUnavailable, ""},
		{"no user", verifierFunc(func(context.Context, string) (Identity, error) {
			return Identity{Name: "ghost"}, nil
		}), "x", ErrInvalidToken, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAuthenticator(tt.verifier, time.Second)
			id, err := a.Authenticate(context.Background(), tt.token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if Code(err) != protocol.ErrCodeAuthFailed {
					t.Fatalf("code = %s", Code(err))
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if id.UserID != tt.wantUser {
				t.Fatalf("user = %q", id.UserID)
			}
		})
	}
}

func TestAuthenticateHonoursTimeout(t *testing.T) {
	slow := verifierFunc(func(ctx context.Context, _ string) (Identity, error) {
		<-ctx.Done()
		return Identity{}, ctx.Err()
	})
	a := NewAuthenticator(slow, 20*time.Millisecond)

	start := time.Now()
	_, err := a.Authenticate(context.Background(), "tok")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not applied")
	}
}

func TestDevVerifierDefaultsName(t *testing.T) {
	a := NewAuthenticator(DevVerifier{}, time.Second)
	id, err := a.Authenticate(context.Background(), "u7")
	if err != nil {
		t.Fatal(err)
	}
	if id.Name != "u7" || id.CharacterID != "" {
		t.Fatalf("identity = %+v", id)
	}
}
