package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/carvalue-api/internal/models"
	"github.com/noah-isme/carvalue-api/internal/repository"
	"github.com/noah-isme/carvalue-api/pkg/keys"
	"github.com/noah-isme/carvalue-api/pkg/password"
)

// callLog records side effects across mocks so tests can assert ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) indexOf(call string) int {
	for i, c := range l.snapshot() {
		if c == call {
			return i
		}
	}
	return -1
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memUserStore struct {
	mu     sync.Mutex
	users  map[int64]*models.User
	nextID int64
	log    *callLog
	err    error
}

func newMemUserStore(log *callLog) *memUserStore {
	return &memUserStore{users: map[int64]*models.User{}, nextID: 1, log: log}
}

func (m *memUserStore) FindByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			clone := *u
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memUserStore) FindByID(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *u
	return &clone, nil
}

func (m *memUserStore) Create(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, user.Email) {
			return repository.ErrDuplicateEmail
		}
	}
	user.ID = m.nextID
	m.nextID++
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *memUserStore) IncrementTokenVersion(_ context.Context, id int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, sql.ErrNoRows
	}
	u.TokenVersion++
	m.log.add("increment_version:%d", id)
	return u.TokenVersion, nil
}

func (m *memUserStore) UpdatePassword(_ context.Context, id int64, hash string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	u.PasswordHash = hash
	return nil
}

func (m *memUserStore) delete(id int64) {
	m.mu.Lock()
	delete(m.users, id)
	m.mu.Unlock()
}

func (m *memUserStore) get(id int64) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *m.users[id]
	return &clone
}

// memTokenRepo mirrors the conditional update semantics of the SQL repository.
type memTokenRepo struct {
	mu     sync.Mutex
	tokens map[int64]*models.RefreshToken
	nextID int64
	log    *callLog
	err    error
}

func newMemTokenRepo(log *callLog) *memTokenRepo {
	return &memTokenRepo{tokens: map[int64]*models.RefreshToken{}, nextID: 1, log: log}
}

func (m *memTokenRepo) Create(_ context.Context, token *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.insert(token)
	return nil
}

func (m *memTokenRepo) insert(token *models.RefreshToken) {
	token.ID = m.nextID
	m.nextID++
	clone := *token
	m.tokens[token.ID] = &clone
}

func (m *memTokenRepo) FindByID(_ context.Context, id int64) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.tokens[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *t
	return &clone, nil
}

func (m *memTokenRepo) Replace(_ context.Context, id, newID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.RevokedAt != nil {
		return repository.ErrAlreadyRevoked
	}
	t.ReplacedByTokenID = &newID
	t.RevokedAt = &at
	return nil
}

func (m *memTokenRepo) Rotate(_ context.Context, old *models.RefreshToken, successor *models.RefreshToken, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	current, ok := m.tokens[old.ID]
	if !ok || current.RevokedAt != nil {
		return repository.ErrAlreadyRevoked
	}
	m.insert(successor)
	newID := successor.ID
	current.ReplacedByTokenID = &newID
	current.RevokedAt = &at
	old.ReplacedByTokenID = &newID
	old.RevokedAt = &at
	return nil
}

func (m *memTokenRepo) RevokeAllOfUser(_ context.Context, userID int64, clientID string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.log.add("revoke_all:%d:%s", userID, clientID)
	seen := map[string]bool{}
	var families []string
	for _, t := range m.tokens {
		if t.UserID != userID || t.RevokedAt != nil || (clientID != "" && t.ClientID != clientID) {
			continue
		}
		revokedAt := at
		t.RevokedAt = &revokedAt
		if !seen[t.FamilyID] {
			seen[t.FamilyID] = true
			families = append(families, t.FamilyID)
		}
	}
	return families, nil
}

func (m *memTokenRepo) RevokeFamily(_ context.Context, familyID string, userID int64, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.log.add("revoke_family:%d:%s", userID, familyID)
	var n int64
	for _, t := range m.tokens {
		if t.FamilyID == familyID && t.UserID == userID && t.RevokedAt == nil {
			revokedAt := at
			t.RevokedAt = &revokedAt
			n++
		}
	}
	return n, nil
}

func (m *memTokenRepo) get(id int64) *models.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *m.tokens[id]
	return &clone
}

type memRevocationStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	clock   func() time.Time
	log     *callLog
	err     error
}

func newMemRevocationStore(clock func() time.Time, log *callLog) *memRevocationStore {
	return &memRevocationStore{entries: map[string]time.Time{}, clock: clock, log: log}
}

func (m *memRevocationStore) Mark(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries[key] = m.clock().Add(ttl)
	m.log.add("mark:%s", key)
	return nil
}

func (m *memRevocationStore) FirstRevoked(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return -1, m.err
	}
	for i, k := range keys {
		if exp, ok := m.entries[k]; ok && m.clock().Before(exp) {
			return i, nil
		}
	}
	return -1, nil
}

type memAudit struct {
	mu   sync.Mutex
	logs []*models.AuditLog
}

func (m *memAudit) Record(_ context.Context, log *models.AuditLog) {
	m.mu.Lock()
	m.logs = append(m.logs, log)
	m.mu.Unlock()
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.logs))
	for _, l := range m.logs {
		out = append(out, l.Action)
	}
	return out
}

// authHarness wires the real session components over in-memory stores.
type authHarness struct {
	clock      *testClock
	log        *callLog
	users      *memUserStore
	tokenRepo  *memTokenRepo
	revStore   *memRevocationStore
	tokens     *RefreshTokenService
	revocation *RevocationService
	issuer     *TokenIssuer
	verifier   *AuthVerifier
	hasher     *password.Hasher
	audit      *memAudit
	auth       *AuthService
}

const (
	testJWTTTL     = 15 * time.Minute
	testRefreshTTL = 24 * time.Hour
)

func newTestHasher(t *testing.T) *password.Hasher {
	t.Helper()
	hasher, err := password.NewHasher(password.Config{MemoryKB: 8 * 1024, Time: 1, Parallelism: 1})
	require.NoError(t, err)
	return hasher
}

func newAuthHarness(t *testing.T) *authHarness {
	t.Helper()
	h := &authHarness{clock: newTestClock(), log: &callLog{}, audit: &memAudit{}}
	h.users = newMemUserStore(h.log)
	h.tokenRepo = newMemTokenRepo(h.log)
	h.revStore = newMemRevocationStore(h.clock.Now, h.log)
	h.hasher = newTestHasher(t)

	rtKeys, err := keys.NewRegistry("rt1", map[string]string{"rt1": "refresh-secret-0123456789abcdef0123"})
	require.NoError(t, err)
	jwtKeys, err := keys.NewRegistry("j1", map[string]string{"j1": "jwt-secret-0123456789abcdef0123456789"})
	require.NoError(t, err)

	h.revocation = NewRevocationService(h.revStore, RevocationConfig{KeyPrefix: "user:", TTL: testJWTTTL}, nil, zap.NewNop())
	h.tokens, err = NewRefreshTokenService(h.tokenRepo, h.revocation, rtKeys, RefreshTokenConfig{
		Bytes: 32, TTL: testRefreshTTL, HashAlgorithm: "sha256", Clock: h.clock.Now,
	}, zap.NewNop())
	require.NoError(t, err)
	h.issuer, err = NewTokenIssuer(jwtKeys, TokenIssuerConfig{Issuer: "carvalue-api", Audience: "carvalue-web", TTL: testJWTTTL, Clock: h.clock.Now})
	require.NoError(t, err)
	h.verifier = NewAuthVerifier(h.issuer, h.revocation, zap.NewNop())

	h.auth, err = NewAuthService(h.users, h.hasher, h.tokens, h.revocation, h.issuer, h.audit, validator.New(), nil, zap.NewNop())
	require.NoError(t, err)
	h.auth.clock = h.clock.Now
	return h
}

func (h *authHarness) addUser(t *testing.T, email, pw string) *models.User {
	t.Helper()
	hash, err := h.hasher.Hash(pw)
	require.NoError(t, err)
	user := &models.User{Email: email, Name: "Test User", PasswordHash: hash, Roles: pq.StringArray{string(models.RoleUser)}}
	require.NoError(t, h.users.Create(context.Background(), user))
	return user
}

func (h *authHarness) login(t *testing.T, email, pw, clientID string) *models.AuthResponse {
	t.Helper()
	resp, err := h.auth.Login(context.Background(), models.LoginRequest{Email: email, Password: pw, ClientID: clientID})
	require.NoError(t, err)
	return resp
}
