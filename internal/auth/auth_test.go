package auth

import (
	"context"
	"testing"
	"time"

	"bourse/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeAccounts struct {
	accounts map[string]bool
}

func (f *fakeAccounts) HasAccount(username string) bool {
	return f.accounts[username]
}

func (f *fakeAccounts) SignUp(_ context.Context, username string) error {
	f.accounts[username] = true
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeAccounts) {
	t.Helper()
	accounts := &fakeAccounts{accounts: map[string]bool{}}
	svc := New(store.NewMemory(), accounts, Config{
		Secret: "test-secret",
		Cost:   bcrypt.MinCost,
	})
	return svc, accounts
}

func TestSignUp(t *testing.T) {
	svc, accounts := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SignUp(ctx, "alice", "hunter2"))
	assert.True(t, accounts.HasAccount("alice"))

	assert.ErrorIs(t, svc.SignUp(ctx, "alice", "other"), ErrUsernameTaken)
	assert.ErrorIs(t, svc.SignUp(ctx, "", "pw"), ErrInvalidCredentials)
	assert.ErrorIs(t, svc.SignUp(ctx, "bob", ""), ErrInvalidCredentials)
}

func TestSignIn(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SignUp(ctx, "alice", "hunter2"))

	token, err := svc.SignIn(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NoError(t, svc.Verify(token, "alice"))

	_, err = svc.SignIn(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.SignIn(ctx, "nobody", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerify(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SignUp(ctx, "alice", "pw"))
	require.NoError(t, svc.SignUp(ctx, "bob", "pw"))

	token, err := svc.SignIn(ctx, "alice", "pw")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Verify(token, "bob"), ErrInvalidToken)
	assert.ErrorIs(t, svc.Verify("not-a-token", "alice"), ErrInvalidToken)
	assert.ErrorIs(t, svc.Verify(token+"x", "alice"), ErrInvalidToken)

	other := New(store.NewMemory(), &fakeAccounts{accounts: map[string]bool{}}, Config{Secret: "other"})
	assert.ErrorIs(t, other.Verify(token, "alice"), ErrInvalidToken)
}

func TestVerify_Expired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SignUp(ctx, "alice", "pw"))

	token, err := svc.SignIn(ctx, "alice", "pw")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(DefaultTokenTTL + time.Minute) }
	assert.ErrorIs(t, svc.Verify(token, "alice"), ErrInvalidToken)
}
