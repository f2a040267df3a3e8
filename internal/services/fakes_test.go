package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/saborly/apiserver/internal/auth"
	"github.com/saborly/apiserver/internal/mailer"
	"github.com/saborly/apiserver/internal/store"
	"github.com/saborly/apiserver/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// memoryAccounts mirrors the conditional updates of store.AccountRepository.
type memoryAccounts struct {
	mu       sync.Mutex
	accounts map[string]types.Account
	profiles map[string]types.StudentProfile
	// fail makes the named method return the error.
	fail map[string]error
}

func newMemoryAccounts() *memoryAccounts {
	return &memoryAccounts{
		accounts: map[string]types.Account{},
		profiles: map[string]types.StudentProfile{},
		fail:     map[string]error{},
	}
}

func (m *memoryAccounts) failure(method string) error {
	return m.fail[method]
}

func (m *memoryAccounts) find(match func(types.Account) bool) (types.Account, error) {
	for _, a := range m.accounts {
		if match(a) {
			return a, nil
		}
	}
	return types.Account{}, store.ErrNotFound
}

func (m *memoryAccounts) GetByID(_ context.Context, id string) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("GetByID"); err != nil {
		return types.Account{}, err
	}
	a, ok := m.accounts[id]
	if !ok {
		return types.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (m *memoryAccounts) GetByEmail(_ context.Context, email string) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("GetByEmail"); err != nil {
		return types.Account{}, err
	}
	return m.find(func(a types.Account) bool { return a.Email == email })
}

func (m *memoryAccounts) GetByUsername(_ context.Context, username string) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(a types.Account) bool { return strings.EqualFold(a.Username, username) })
}

func (m *memoryAccounts) Create(_ context.Context, account types.Account) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("Create"); err != nil {
		return types.Account{}, err
	}
	for _, a := range m.accounts {
		if a.Email == account.Email || strings.EqualFold(a.Username, account.Username) {
			return types.Account{}, store.ErrConflict
		}
	}
	account.ID = uuid.NewString()
	account.CreatedAt = time.Now().UTC()
	account.UpdatedAt = account.CreatedAt
	m.accounts[account.ID] = account
	return account, nil
}

func (m *memoryAccounts) RestartRegistration(_ context.Context, id, username string, role types.Role, code string, expiry, now time.Time) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok || a.VerificationCode == nil || a.CodeExpiry == nil || a.CodeExpiry.After(now) {
		return types.Account{}, store.ErrNotFound
	}
	for otherID, other := range m.accounts {
		if otherID != id && strings.EqualFold(other.Username, username) {
			return types.Account{}, store.ErrConflict
		}
	}
	a.Username = username
	a.Role = role
	a.VerificationCode = &code
	a.CodeExpiry = &expiry
	a.UpdatedAt = now
	m.accounts[id] = a
	return a, nil
}

func (m *memoryAccounts) FindPendingByCode(_ context.Context, email, code string, now time.Time) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(a types.Account) bool { return a.Email == email && a.CodeValid(code, now) })
}

func (m *memoryAccounts) MarkEmailVerified(_ context.Context, email, code string, now time.Time) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.find(func(a types.Account) bool { return a.Email == email && a.CodeValid(code, now) })
	if err != nil {
		return types.Account{}, err
	}
	a.IsVerified = true
	m.accounts[a.ID] = a
	return a, nil
}

func (m *memoryAccounts) CompleteRegistration(_ context.Context, params store.CompleteRegistrationParams) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CompleteRegistration"); err != nil {
		return types.Account{}, err
	}
	a, err := m.find(func(a types.Account) bool {
		return a.Email == params.Email && a.VerificationCode != nil && a.CodeExpiry != nil && a.CodeExpiry.After(params.Now)
	})
	if err != nil {
		return types.Account{}, err
	}
	name, hash := params.DisplayName, params.PasswordHash
	a.DisplayName = &name
	a.PasswordHash = &hash
	a.IsVerified = true
	a.VerificationCode = nil
	a.CodeExpiry = nil
	a.UpdatedAt = params.Now
	m.accounts[a.ID] = a
	if params.Profile != nil {
		profile := *params.Profile
		profile.AccountID = a.ID
		profile.CreatedAt = params.Now
		m.profiles[a.ID] = profile
	}
	return a, nil
}

func (m *memoryAccounts) SetResetToken(_ context.Context, id, token string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok || a.RegistrationPending() {
		return store.ErrNotFound
	}
	a.ResetToken = &token
	a.ResetTokenExpiry = &expiry
	m.accounts[id] = a
	return nil
}

func (m *memoryAccounts) FindByResetToken(_ context.Context, email, token string, now time.Time) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(a types.Account) bool {
		return a.Email == email && !a.RegistrationPending() && a.ResetTokenValid(token, now)
	})
}

func (m *memoryAccounts) ConsumeResetToken(_ context.Context, email, token, passwordHash string, now time.Time) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.find(func(a types.Account) bool {
		return a.Email == email && !a.RegistrationPending() && a.ResetTokenValid(token, now)
	})
	if err != nil {
		return types.Account{}, err
	}
	a.PasswordHash = &passwordHash
	a.ResetToken = nil
	a.ResetTokenExpiry = nil
	m.accounts[a.ID] = a
	return a, nil
}

func (m *memoryAccounts) UpdateProfile(_ context.Context, id string, patch store.ProfilePatch) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return types.Account{}, store.ErrNotFound
	}
	if patch.Email != nil {
		for otherID, other := range m.accounts {
			if otherID != id && other.Email == *patch.Email {
				return types.Account{}, store.ErrConflict
			}
		}
		a.Email = *patch.Email
	}
	if patch.DisplayName != nil {
		a.DisplayName = patch.DisplayName
	}
	if patch.PasswordHash != nil {
		a.PasswordHash = patch.PasswordHash
	}
	m.accounts[id] = a
	return a, nil
}

func (m *memoryAccounts) GetStudentProfile(_ context.Context, accountID string) (types.StudentProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("GetStudentProfile"); err != nil {
		return types.StudentProfile{}, err
	}
	profile, ok := m.profiles[accountID]
	if !ok {
		return types.StudentProfile{}, store.ErrNotFound
	}
	return profile, nil
}

func (m *memoryAccounts) byEmail(t *testing.T, email string) types.Account {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.find(func(a types.Account) bool { return a.Email == email })
	require.NoError(t, err)
	return a
}

// memoryDocuments is an in-memory DocumentStorage.
type memoryDocuments struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	// failSuffix makes Put fail for keys containing it.
	failSuffix string
}

func newMemoryDocuments() *memoryDocuments {
	return &memoryDocuments{objects: map[string][]byte{}}
}

func (d *memoryDocuments) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if d.failSuffix != "" && strings.Contains(key, d.failSuffix) {
		return errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[key] = data
	return nil
}

func (d *memoryDocuments) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.objects, key)
	d.deleted = append(d.deleted, key)
	return nil
}

func (d *memoryDocuments) URL(key string) string {
	return "https://cdn.test/" + key
}

func (d *memoryDocuments) keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.objects))
	for k := range d.objects {
		keys = append(keys, k)
	}
	return keys
}

// sequenceSecrets hands out predictable codes and tokens.
type sequenceSecrets struct {
	mu    sync.Mutex
	n     int
	now   func() time.Time
	ttl   time.Duration
	reset time.Duration
}

func (s *sequenceSecrets) next(prefix string, ttl time.Duration) auth.Secret {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return auth.Secret{Value: fmt.Sprintf("%s%d", prefix, s.n), ExpiresAt: s.now().UTC().Add(ttl)}
}

func (s *sequenceSecrets) VerificationCode() (auth.Secret, error) {
	return s.next("code", s.ttl), nil
}

func (s *sequenceSecrets) ResetToken() (auth.Secret, error) {
	return s.next("token", s.reset), nil
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []mailer.Email
	err  error
}

func (r *recordingMailer) Send(_ context.Context, email mailer.Email) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, email)
	return nil
}

func (r *recordingMailer) emails() []mailer.Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mailer.Email(nil), r.sent...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	accounts     *memoryAccounts
	documents    *memoryDocuments
	mail         *recordingMailer
	dispatcher   *MailDispatcher
	clock        *fakeClock
	sessions     *auth.SessionIssuer
	registration *RegistrationService
	resets       *PasswordResetService
	account      *AccountService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		accounts:  newMemoryAccounts(),
		documents: newMemoryDocuments(),
		mail:      &recordingMailer{},
		clock:     &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		sessions:  auth.NewSessionIssuer("test-secret", 24*time.Hour),
	}
	h.dispatcher = NewMailDispatcher(h.mail, time.Second, zap.NewNop(), nil)

	deps := Dependencies{
		Accounts:  h.accounts,
		Documents: h.documents,
		Hasher:    auth.NewBcryptHasher(bcrypt.MinCost),
		Secrets:   &sequenceSecrets{now: h.clock.Now, ttl: 24 * time.Hour, reset: time.Hour},
		Sessions:  h.sessions,
		Mail:      h.dispatcher,
		Clock:     h.clock.Now,
	}
	h.registration = NewRegistrationService(deps)
	h.resets = NewPasswordResetService(deps)
	h.account = NewAccountService(deps)
	return h
}

// sentEmails waits for background dispatches and returns what was sent.
func (h *harness) sentEmails(t *testing.T) []mailer.Email {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.dispatcher.Wait(ctx))
	return h.mail.emails()
}

func document(name string) *Document {
	body := []byte("image-bytes-" + name)
	return &Document{Filename: name, ContentType: "image/jpeg", Size: int64(len(body)), Body: bytes.NewReader(body)}
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "unexpected error: %v", err)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
