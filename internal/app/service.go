package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"learnhub/api/internal/auth"
	"learnhub/api/internal/config"
	"learnhub/api/internal/gate"
	"learnhub/api/internal/identity"
	"learnhub/api/internal/store"
	"learnhub/api/internal/util"
)

// Store is the persistence surface the service needs. Satisfied by
// store.PostgresStore; tests substitute function-field fakes.
type Store interface {
	Ping(ctx context.Context) error
	EnsureAdmin(ctx context.Context, id, displayName, email, passwordHash string) error
	AccessConversation(ctx context.Context, a, b identity.Ref) (store.Conversation, error)
	CreateGroupConversation(ctx context.Context, name string, participants []identity.Ref) (store.Conversation, error)
	ListConversations(ctx context.Context, ref identity.Ref) ([]store.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, sender identity.Ref, text string) (store.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]store.Message, error)
	MarkConversationRead(ctx context.Context, conversationID string, reader identity.Ref) (int64, error)
}

// Revoker records logged-out credentials until their natural expiry.
type Revoker interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	store    Store
	resolver *identity.Resolver
	revoker  Revoker
}

func New(cfg config.Config, st Store, resolver *identity.Resolver, revoker Revoker) *Service {
	return &Service{cfg: cfg, store: st, resolver: resolver, revoker: revoker}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingRevoker(ctx context.Context) error {
	if s.revoker == nil {
		return nil
	}
	return s.revoker.Ping(ctx)
}

// Bootstrap ensures the bootstrap admin account exists. Safe to call on
// every start.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.BootstrapAdminEmail == "" {
		return nil
	}
	var hash string
	if s.cfg.BootstrapAdminPassword != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(s.cfg.BootstrapAdminPassword), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash bootstrap password: %w", err)
		}
		hash = string(hashed)
	}
	return s.store.EnsureAdmin(ctx, util.NewID("adm"), "Administrator", s.cfg.BootstrapAdminEmail, hash)
}

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Identity  identity.Identity
}

// Login authenticates an email and password against the account partitions in
// resolution priority order and issues a signed credential for the first
// match.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return LoginResult{}, domainError(http.StatusBadRequest, "MISSING_FIELD", "email and password are required", nil)
	}

	account, kind, err := s.resolver.AccountByEmail(ctx, email)
	if errors.Is(err, identity.ErrAccountNotFound) {
		return LoginResult{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("login lookup: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return LoginResult{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}

	resolved := s.resolver.Normalize(kind, account)
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), account.ID, string(kind), resolved.Role, util.NewID(""), s.cfg.AccessTTL)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue token: %w", err)
	}
	return LoginResult{Token: token, ExpiresAt: expiresAt, Identity: resolved}, nil
}

// Logout revokes the presented credential. An already invalid or expired
// credential is treated as logged out.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return nil
	}
	if s.revoker == nil {
		return nil
	}
	return s.revoker.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}

// IdentityFromToken re-resolves the credential into a fresh identity.
func (s *Service) IdentityFromToken(ctx context.Context, token string) (identity.Identity, error) {
	return s.resolver.Resolve(ctx, token)
}

// Authorize applies the capability gate to a resolved identity.
func (s *Service) Authorize(id identity.Identity, capability string) error {
	if err := gate.Authorize(id, capability); err != nil {
		return domainError(http.StatusForbidden, "MISSING_CAPABILITY", "Forbidden", nil)
	}
	return nil
}

// GetAccount returns the normalized projection for any partition's account.
func (s *Service) GetAccount(ctx context.Context, id string) (identity.Identity, error) {
	resolved, err := s.resolver.ResolveAccount(ctx, id)
	if errors.Is(err, identity.ErrAccountNotFound) {
		return identity.Identity{}, domainError(http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found", nil)
	}
	if err != nil {
		return identity.Identity{}, err
	}
	return resolved, nil
}

// AccessChat returns the caller's non-group conversation with the target
// account, creating it on first interaction. Idempotent.
func (s *Service) AccessChat(ctx context.Context, caller identity.Identity, targetID string) (store.Conversation, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return store.Conversation{}, domainError(http.StatusBadRequest, "MISSING_FIELD", "userId is required", nil)
	}
	target, err := s.GetAccount(ctx, targetID)
	if err != nil {
		return store.Conversation{}, err
	}
	if target.Ref == caller.Ref {
		return store.Conversation{}, domainError(http.StatusBadRequest, "INVALID_TARGET", "cannot open a conversation with yourself", nil)
	}
	return s.store.AccessConversation(ctx, caller.Ref, target.Ref)
}

// CreateGroupChat creates a named group conversation with the caller plus the
// given participants.
func (s *Service) CreateGroupChat(ctx context.Context, caller identity.Identity, name string, participantIDs []string) (store.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Conversation{}, domainError(http.StatusBadRequest, "MISSING_FIELD", "name is required", nil)
	}
	if len(participantIDs) == 0 {
		return store.Conversation{}, domainError(http.StatusBadRequest, "MISSING_FIELD", "participants are required", nil)
	}

	refs := []identity.Ref{caller.Ref}
	seen := map[identity.Ref]struct{}{caller.Ref: {}}
	for _, id := range participantIDs {
		member, err := s.GetAccount(ctx, strings.TrimSpace(id))
		if err != nil {
			return store.Conversation{}, err
		}
		if _, dup := seen[member.Ref]; dup {
			continue
		}
		seen[member.Ref] = struct{}{}
		refs = append(refs, member.Ref)
	}
	if len(refs) < 2 {
		return store.Conversation{}, domainError(http.StatusBadRequest, "MISSING_FIELD", "a group needs at least one other participant", nil)
	}
	return s.store.CreateGroupConversation(ctx, name, refs)
}

func (s *Service) ListChats(ctx context.Context, caller identity.Identity) ([]store.Conversation, error) {
	return s.store.ListConversations(ctx, caller.Ref)
}

// SendMessage appends a message to an existing conversation, or, when only a
// receiver is given, gets-or-creates the pair conversation first so a first
// message doubles as conversation creation.
func (s *Service) SendMessage(ctx context.Context, caller identity.Identity, chatID, receiverID, text string) (store.Message, error) {
	if strings.TrimSpace(text) == "" {
		return store.Message{}, domainError(http.StatusBadRequest, "EMPTY_TEXT", "text is required", nil)
	}
	if chatID == "" && receiverID == "" {
		return store.Message{}, domainError(http.StatusBadRequest, "MISSING_FIELD", "chatId or receiverId is required", nil)
	}

	if chatID == "" {
		conv, err := s.AccessChat(ctx, caller, receiverID)
		if err != nil {
			return store.Message{}, err
		}
		chatID = conv.ID
	}
	return s.store.AppendMessage(ctx, chatID, caller.Ref, text)
}

// ListChatMessages returns the full ordered history of a conversation.
func (s *Service) ListChatMessages(ctx context.Context, chatID string) ([]store.Message, error) {
	return s.store.ListMessages(ctx, chatID)
}

// MarkChatSeen records the caller as having read every message in the
// conversation. Returns the count of newly read messages.
func (s *Service) MarkChatSeen(ctx context.Context, caller identity.Identity, chatID string) (int64, error) {
	if chatID == "" {
		return 0, domainError(http.StatusBadRequest, "MISSING_FIELD", "chatId is required", nil)
	}
	return s.store.MarkConversationRead(ctx, chatID, caller.Ref)
}
