package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"learnhub/api/internal/auth"
	"learnhub/api/internal/config"
	"learnhub/api/internal/identity"
	"learnhub/api/internal/store"
)

type fakeStore struct {
	pingFn               func(ctx context.Context) error
	ensureAdminFn        func(ctx context.Context, id, displayName, email, passwordHash string) error
	accessConversationFn func(ctx context.Context, a, b identity.Ref) (store.Conversation, error)
	createGroupFn        func(ctx context.Context, name string, participants []identity.Ref) (store.Conversation, error)
	listConversationsFn  func(ctx context.Context, ref identity.Ref) ([]store.Conversation, error)
	appendMessageFn      func(ctx context.Context, conversationID string, sender identity.Ref, text string) (store.Message, error)
	listMessagesFn       func(ctx context.Context, conversationID string) ([]store.Message, error)
	markReadFn           func(ctx context.Context, conversationID string, reader identity.Ref) (int64, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn == nil {
		return nil
	}
	return f.pingFn(ctx)
}

func (f *fakeStore) EnsureAdmin(ctx context.Context, id, displayName, email, passwordHash string) error {
	if f.ensureAdminFn == nil {
		return nil
	}
	return f.ensureAdminFn(ctx, id, displayName, email, passwordHash)
}

func (f *fakeStore) AccessConversation(ctx context.Context, a, b identity.Ref) (store.Conversation, error) {
	if f.accessConversationFn == nil {
		return store.Conversation{}, nil
	}
	return f.accessConversationFn(ctx, a, b)
}

func (f *fakeStore) CreateGroupConversation(ctx context.Context, name string, participants []identity.Ref) (store.Conversation, error) {
	if f.createGroupFn == nil {
		return store.Conversation{}, nil
	}
	return f.createGroupFn(ctx, name, participants)
}

func (f *fakeStore) ListConversations(ctx context.Context, ref identity.Ref) ([]store.Conversation, error) {
	if f.listConversationsFn == nil {
		return nil, nil
	}
	return f.listConversationsFn(ctx, ref)
}

func (f *fakeStore) AppendMessage(ctx context.Context, conversationID string, sender identity.Ref, text string) (store.Message, error) {
	if f.appendMessageFn == nil {
		return store.Message{}, nil
	}
	return f.appendMessageFn(ctx, conversationID, sender, text)
}

func (f *fakeStore) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	if f.listMessagesFn == nil {
		return nil, nil
	}
	return f.listMessagesFn(ctx, conversationID)
}

func (f *fakeStore) MarkConversationRead(ctx context.Context, conversationID string, reader identity.Ref) (int64, error) {
	if f.markReadFn == nil {
		return 0, nil
	}
	return f.markReadFn(ctx, conversationID, reader)
}

type fakeRevoker struct {
	revokedJTIs []string
	pingFn      func(ctx context.Context) error
}

func (f *fakeRevoker) Revoke(_ context.Context, jti string, _ time.Time) error {
	f.revokedJTIs = append(f.revokedJTIs, jti)
	return nil
}

func (f *fakeRevoker) Ping(ctx context.Context) error {
	if f.pingFn == nil {
		return nil
	}
	return f.pingFn(ctx)
}

func (f *fakeRevoker) IsRevoked(_ context.Context, jti string) (bool, error) {
	for _, revoked := range f.revokedJTIs {
		if revoked == jti {
			return true, nil
		}
	}
	return false, nil
}

type fakeLookup struct {
	kind     identity.Kind
	accounts map[string]identity.Account
}

func (f *fakeLookup) Kind() identity.Kind { return f.kind }

func (f *fakeLookup) ByID(_ context.Context, id string) (identity.Account, error) {
	account, ok := f.accounts[id]
	if !ok {
		return identity.Account{}, identity.ErrAccountNotFound
	}
	return account, nil
}

func (f *fakeLookup) ByEmail(_ context.Context, email string) (identity.Account, error) {
	for _, account := range f.accounts {
		if strings.EqualFold(account.Email, email) {
			return account, nil
		}
	}
	return identity.Account{}, identity.ErrAccountNotFound
}

const testSecret = "test-secret"

type testEnv struct {
	service *Service
	store   *fakeStore
	revoker *fakeRevoker
	lookups map[identity.Kind]*fakeLookup
}

func newTestEnv(fs *fakeStore) *testEnv {
	lookups := map[identity.Kind]*fakeLookup{}
	args := make([]identity.AccountLookup, 0, len(identity.ProbeOrder))
	for _, kind := range identity.ProbeOrder {
		l := &fakeLookup{kind: kind, accounts: map[string]identity.Account{}}
		lookups[kind] = l
		args = append(args, l)
	}
	revoker := &fakeRevoker{}
	resolver := identity.NewResolver([]byte(testSecret), "root@learnhub.test", revoker, args...)
	cfg := config.Config{
		JWTSecret: testSecret,
		AccessTTL: time.Hour,
	}
	return &testEnv{
		service: New(cfg, fs, resolver, revoker),
		store:   fs,
		revoker: revoker,
		lookups: lookups,
	}
}

func (e *testEnv) addAccount(kind identity.Kind, account identity.Account) {
	e.lookups[kind].accounts[account.ID] = account
}

func (e *testEnv) bearerFor(t *testing.T, kind identity.Kind, id string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), id, string(kind), string(kind), "jti-"+id, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return string(hashed)
}
