package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NoPKT/agentim/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// fakeRevocations is a SharedStore that only tracks revocation cutoffs.
type fakeRevocations struct {
	cutoffs map[string]time.Time
	err     error
}

func (f *fakeRevocations) AddToSet(context.Context, string, string) error { return f.err }
func (f *fakeRevocations) IsMember(context.Context, string, string) (bool, error) {
	return false, f.err
}
func (f *fakeRevocations) Expire(context.Context, string, time.Duration) error { return f.err }
func (f *fakeRevocations) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, f.err
}

func (f *fakeRevocations) RevokeTokens(_ context.Context, subject string, at time.Time) error {
	if f.err != nil {
		return f.err
	}
	if f.cutoffs == nil {
		f.cutoffs = make(map[string]time.Time)
	}
	f.cutoffs[subject] = at
	return nil
}

func (f *fakeRevocations) RevokedAfter(_ context.Context, subject string) (time.Time, error) {
	if f.err != nil {
		return time.Time{}, f.err
	}
	return f.cutoffs[subject], nil
}

func (f *fakeRevocations) Ping(context.Context) error { return nil }
func (f *fakeRevocations) Close() error               { return nil }

func setupAuth(t *testing.T, shared store.SharedStore) (*Service, *store.User) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	user := &store.User{
		ID: "u1", Username: "alice", PasswordHash: hash, Role: "user", CreatedAt: time.Now(),
	}
	if err := st.CreateUser(context.Background(), user); err != nil {
		t.Fatal(err)
	}
	return NewService(st, shared, testSecret, time.Hour), user
}

func TestLoginAndVerify(t *testing.T) {
	svc, _ := setupAuth(t, nil)
	ctx := context.Background()

	token, err := svc.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	id, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u1" || id.Username != "alice" || id.TokenType != TokenTypeUser {
		t.Errorf("unexpected identity: %+v", id)
	}
	if id.IssuedAt.IsZero() {
		t.Error("identity has zero IssuedAt")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _ := setupAuth(t, nil)
	ctx := context.Background()

	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v, want ErrInvalidCredentials", err)
	}
	// An unknown user fails identically to a wrong password.
	if _, err := svc.Login(ctx, "mallory", "hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: got %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifyRejectsForgedToken(t *testing.T) {
	svc, user := setupAuth(t, nil)

	forger := NewService(nil, nil, "another-secret-another-secret-32", time.Hour)
	token, err := forger.IssueToken(user, TokenTypeUser)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := svc.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	svc := NewService(st, nil, testSecret, -time.Minute)
	token, err := svc.IssueToken(&store.User{ID: "u1", Username: "alice"}, TokenTypeUser)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestGatewayTokenType(t *testing.T) {
	svc, user := setupAuth(t, nil)

	token, err := svc.IssueToken(user, TokenTypeGateway)
	if err != nil {
		t.Fatal(err)
	}
	id, err := svc.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if id.TokenType != TokenTypeGateway {
		t.Errorf("TokenType = %q, want %q", id.TokenType, TokenTypeGateway)
	}
}

func TestRevocation(t *testing.T) {
	shared := &fakeRevocations{}
	svc, _ := setupAuth(t, shared)
	ctx := context.Background()

	token, err := svc.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	id, err := svc.Verify(token)
	if err != nil {
		t.Fatal(err)
	}

	revoked, err := svc.IsRevoked(ctx, id.UserID, id.IssuedAt)
	if err != nil || revoked {
		t.Fatalf("fresh token: IsRevoked = (%v, %v), want (false, nil)", revoked, err)
	}

	if err := svc.Revoke(ctx, id.UserID); err != nil {
		t.Fatal(err)
	}
	revoked, err = svc.IsRevoked(ctx, id.UserID, id.IssuedAt)
	if err != nil || !revoked {
		t.Fatalf("after revoke: IsRevoked = (%v, %v), want (true, nil)", revoked, err)
	}

	// A token issued after the cutoff is live again.
	revoked, err = svc.IsRevoked(ctx, id.UserID, time.Now().Add(time.Minute))
	if err != nil || revoked {
		t.Fatalf("post-cutoff token: IsRevoked = (%v, %v), want (false, nil)", revoked, err)
	}
}

func TestRevocationWithoutSharedStore(t *testing.T) {
	svc, _ := setupAuth(t, nil)
	ctx := context.Background()

	// No shared store means revocation passes vacuously and Revoke is a
	// no-op rather than an error.
	revoked, err := svc.IsRevoked(ctx, "u1", time.Now())
	if err != nil || revoked {
		t.Errorf("IsRevoked = (%v, %v), want (false, nil)", revoked, err)
	}
	if err := svc.Revoke(ctx, "u1"); err != nil {
		t.Errorf("Revoke = %v, want nil", err)
	}
}

func TestRevocationCheckSurfacesStoreFailure(t *testing.T) {
	shared := &fakeRevocations{err: context.DeadlineExceeded}
	svc, _ := setupAuth(t, shared)

	if _, err := svc.IsRevoked(context.Background(), "u1", time.Now()); err == nil {
		t.Fatal("expected error when the shared store is unreachable")
	}
}
