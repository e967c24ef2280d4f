package app

import (
	"context"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestBootstrapEnsuresAdminAccount(t *testing.T) {
	var gotEmail, gotHash string
	fs := &fakeStore{
		ensureAdminFn: func(_ context.Context, _, _, email, passwordHash string) error {
			gotEmail = email
			gotHash = passwordHash
			return nil
		},
	}
	env := newTestEnv(fs)
	env.service.cfg.BootstrapAdminEmail = "root@learnhub.test"
	env.service.cfg.BootstrapAdminPassword = "changeme"

	if err := env.service.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if gotEmail != "root@learnhub.test" {
		t.Fatalf("expected bootstrap email, got %q", gotEmail)
	}
	if bcrypt.CompareHashAndPassword([]byte(gotHash), []byte("changeme")) != nil {
		t.Fatalf("expected stored hash to verify against configured password")
	}
}

func TestBootstrapSkipsWithoutConfiguredEmail(t *testing.T) {
	called := false
	fs := &fakeStore{
		ensureAdminFn: func(_ context.Context, _, _, _, _ string) error {
			called = true
			return nil
		},
	}
	env := newTestEnv(fs)

	if err := env.service.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if called {
		t.Fatalf("expected no EnsureAdmin call without configured email")
	}
}
