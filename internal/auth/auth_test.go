package auth

import (
	"errors"
	"testing"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/danmuck/rfcctl/internal/testutil/testlog"
)

func TestStaticPasswordValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty password denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched password denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching password accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			log.Debug().Str("stored", tc.stored).Str("input", tc.input).Msg("auth/static-password")
			err := (StaticPassword{Password: tc.stored}).Validate(Credentials{User: "DEVELOPER", Password: tc.input})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(c Credentials) error {
		if c.User != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate(Credentials{User: "bad"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad user, got %v", err)
	}
	if err := validator.Validate(Credentials{User: "ok"}); err != nil {
		t.Fatalf("expected success for ok user, got %v", err)
	}
}

func TestUsersValidate(t *testing.T) {
	testlog.Start(t)
	users := NewUsers()
	hash, err := bcrypt.GenerateFromPassword([]byte("developer1"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := users.AddHash("001", "developer", string(hash)); err != nil {
		t.Fatalf("add hash: %v", err)
	}

	if err := users.Validate(Credentials{Client: "001", User: "DEVELOPER", Password: "developer1"}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if err := users.Validate(Credentials{Client: "001", User: "DEVELOPER", Password: "nope"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for wrong password, got %v", err)
	}
	err = users.Validate(Credentials{Client: "002", User: "DEVELOPER", Password: "developer1"})
	if !errors.Is(err, ErrUnknownUser) || !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unknown user, got %v", err)
	}
}

func TestUsersRejectsMalformedHash(t *testing.T) {
	testlog.Start(t)
	if err := NewUsers().AddHash("001", "DEVELOPER", "plaintext"); err == nil {
		t.Fatalf("expected malformed hash to be rejected")
	}
}

func TestHashPassword(t *testing.T) {
	testlog.Start(t)
	hash, err := HashPassword("developer1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users := NewUsers()
	if err := users.AddHash("001", "DEVELOPER", hash); err != nil {
		t.Fatalf("add hash: %v", err)
	}
	if users.Len() != 1 {
		t.Fatalf("expected one user")
	}
	if _, err := HashPassword(""); err == nil {
		t.Fatalf("expected empty password error")
	}
}
