package jit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lunzai/arguspam-sub003/internal/crypto"
	"github.com/lunzai/arguspam-sub003/internal/dbdriver"
	"github.com/lunzai/arguspam-sub003/internal/session"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// ============================================================================
// MEMORY REPOSITORY
// ============================================================================

type memRepo struct {
	txMu sync.Mutex
	mu   sync.Mutex

	sessions map[int64]Session
	requests map[int64]Request
	assets   map[int64]Asset
	accounts map[int64]Account
	audits   []Audit
	nextID   int64

	// Error injection
	insertAccountErr  error
	insertAuditsErr   error
	ignoreExpiryQuery bool
	auditInserts      int
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions: map[int64]Session{},
		requests: map[int64]Request{},
		assets:   map[int64]Asset{},
		accounts: map[int64]Account{},
		nextID:   1000,
	}
}

func (r *memRepo) GetSession(_ context.Context, id int64) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *memRepo) GetRequest(_ context.Context, id int64) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (r *memRepo) GetAsset(_ context.Context, id int64) (Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[id]
	if !ok {
		return Asset{}, ErrNotFound
	}
	return a, nil
}

func (r *memRepo) GetAdminAccount(_ context.Context, assetID int64) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.AssetID == assetID && a.Type == AccountTypeAdmin && a.IsActive {
			return a, nil
		}
	}
	return Account{}, ErrNotFound
}

func (r *memRepo) GetActiveJITAccount(_ context.Context, sessionID int64) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.Type == AccountTypeJIT && a.IsActive && a.SessionID != nil && *a.SessionID == sessionID {
			return a, nil
		}
	}
	return Account{}, ErrNotFound
}

func (r *memRepo) ListExpiredJITAccounts(_ context.Context, now time.Time) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Account
	for _, a := range r.accounts {
		if a.Type != AccountTypeJIT || !a.IsActive || a.ExpiresAt == nil {
			continue
		}
		if r.ignoreExpiryQuery || !a.ExpiresAt.After(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) ListOverdueSessions(_ context.Context, now time.Time) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if s.Status == session.StatusScheduled && !s.ScheduledEnd.After(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRepo) ListAudits(_ context.Context, sessionID int64) ([]Audit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Audit
	for _, a := range r.audits {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) InsertAudits(_ context.Context, audits []Audit) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auditInserts++
	if r.insertAuditsErr != nil {
		return 0, r.insertAuditsErr
	}
	for _, a := range audits {
		r.nextID++
		a.ID = r.nextID
		r.audits = append(r.audits, a)
	}
	return int64(len(audits)), nil
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.mu.Lock()
	sessions := cloneMap(r.sessions)
	accounts := cloneMap(r.accounts)
	r.mu.Unlock()
	if err := fn(ctx, &memTx{repo: r}); err != nil {
		r.mu.Lock()
		r.sessions = sessions
		r.accounts = accounts
		r.mu.Unlock()
		return err
	}
	return nil
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *memRepo) account(t *testing.T, id int64) Account {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	require.True(t, ok, "account %d missing", id)
	return a
}

func (r *memRepo) jitAccounts() []Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Account
	for _, a := range r.accounts {
		if a.Type == AccountTypeJIT {
			out = append(out, a)
		}
	}
	return out
}

type memTx struct {
	repo *memRepo
}

func (t *memTx) LockSession(ctx context.Context, id int64) (Session, error) {
	return t.repo.GetSession(ctx, id)
}

func (t *memTx) InsertAccount(_ context.Context, acct Account) (Account, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertAccountErr != nil {
		return Account{}, r.insertAccountErr
	}
	for _, a := range r.accounts {
		if a.Type == AccountTypeJIT && a.IsActive && acct.SessionID != nil && a.SessionID != nil && *a.SessionID == *acct.SessionID {
			return Account{}, fmt.Errorf("%w: asset_accounts_active_jit_session", ErrSessionBusy)
		}
	}
	r.nextID++
	acct.ID = r.nextID
	r.accounts[acct.ID] = acct
	return acct, nil
}

func (t *memTx) LinkSessionAccount(_ context.Context, sessionID, accountID int64, username string, updatedBy *int64) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.AssetAccountID = &accountID
	s.AccountName = username
	if updatedBy != nil {
		s.UpdatedBy = updatedBy
	}
	r.sessions[sessionID] = s
	return nil
}

func (t *memTx) DeactivateAccount(_ context.Context, accountID int64, _ time.Time) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.IsActive = false
	r.accounts[accountID] = a
	return nil
}

func (t *memTx) UpdateSessionStatus(_ context.Context, upd SessionUpdate) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[upd.ID]
	if !ok {
		return ErrNotFound
	}
	s.Status = upd.Status
	if upd.ActualStart != nil {
		s.ActualStart = upd.ActualStart
	}
	if upd.ActualEnd != nil {
		s.ActualEnd = upd.ActualEnd
	}
	if upd.ActualDuration != nil {
		s.ActualDuration = upd.ActualDuration
	}
	if upd.UpdatedBy != nil {
		s.UpdatedBy = upd.UpdatedBy
	}
	r.sessions[upd.ID] = s
	return nil
}

// ============================================================================
// FAKE DRIVER
// ============================================================================

type fakeDriver struct {
	mu sync.Mutex

	users       map[string]dbdriver.CreateUserRequest
	seq         int
	createCalls int
	dropCalls   int
	logCalls    int
	logFrom     time.Time
	logTo       time.Time
	dropDBs     []string

	testErr      error
	createErr    error
	terminateErr error
	logsErr      error
	listErr      error
	createDelay  time.Duration
	logs         []dbdriver.QueryLogEntry
	databases    []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{users: map[string]dbdriver.CreateUserRequest{}}
}

func (d *fakeDriver) Engine() dbdriver.Engine { return dbdriver.EnginePostgreSQL }

func (d *fakeDriver) TestAdminConnection(context.Context) error { return d.testErr }

func (d *fakeDriver) GenerateSecureCredentials() (dbdriver.Credentials, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	return dbdriver.Credentials{
		Username: fmt.Sprintf("jit_1714557600_abc%03d", d.seq),
		Password: fmt.Sprintf("Pw!%d-secret#Aa", d.seq),
	}, nil
}

func (d *fakeDriver) CreateUser(_ context.Context, req dbdriver.CreateUserRequest) error {
	if d.createDelay > 0 {
		time.Sleep(d.createDelay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createCalls++
	// Partial state is left behind on failure.
	d.users[req.Username] = req
	return d.createErr
}

func (d *fakeDriver) TerminateUser(_ context.Context, username string, databases []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropCalls++
	d.dropDBs = databases
	if d.terminateErr != nil {
		return d.terminateErr
	}
	delete(d.users, username)
	return nil
}

func (d *fakeDriver) RetrieveUserQueryLogs(_ context.Context, _ string, from, to time.Time) ([]dbdriver.QueryLogEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logCalls++
	d.logFrom, d.logTo = from, to
	if d.logsErr != nil {
		return nil, d.logsErr
	}
	return d.logs, nil
}

func (d *fakeDriver) GetAllDatabases(context.Context) ([]string, error) {
	return d.databases, d.listErr
}

func (d *fakeDriver) remoteUsers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}

type fakeFactory struct {
	driver *fakeDriver
	err    error
	creds  []dbdriver.AdminCredentials
	mu     sync.Mutex
}

func (f *fakeFactory) New(_ dbdriver.Target, creds dbdriver.AdminCredentials) (dbdriver.Driver, error) {
	f.mu.Lock()
	f.creds = append(f.creds, creds)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.driver, nil
}

// ============================================================================
// NOTIFIER / REVIEW
// ============================================================================

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventType, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}

type recordingReview struct {
	mu       sync.Mutex
	requests []ReviewRequest
}

func (r *recordingReview) HandOff(_ context.Context, req ReviewRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return nil
}

// ============================================================================
// FIXTURE
// ============================================================================

const (
	testOrgID     int64 = 3
	testAssetID   int64 = 1
	testRequestID int64 = 10
	testSessionID int64 = 100
	testUserID    int64 = 7
)

type fixture struct {
	repo     *memRepo
	driver   *fakeDriver
	factory  *fakeFactory
	notifier *recordingNotifier
	review   *recordingReview
	cipher   *crypto.Encryptor
	svc      *Service
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cipher, err := crypto.NewEncryptor(testKey)
	require.NoError(t, err)
	f := &fixture{
		repo:     newMemRepo(),
		driver:   newFakeDriver(),
		notifier: &recordingNotifier{},
		review:   &recordingReview{},
		cipher:   cipher,
		now:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	f.factory = &fakeFactory{driver: f.driver}
	f.svc = NewService(f.repo, f.factory, cipher, Options{
		Notifier:         f.notifier,
		Review:           f.review,
		SweepConcurrency: 2,
	})
	f.svc.WithNow(func() time.Time { return f.now })

	f.repo.assets[testAssetID] = Asset{
		ID: testAssetID, OrgID: testOrgID, Name: "orders-db",
		Engine: dbdriver.EnginePostgreSQL, Host: "db.internal", Port: 5432,
	}
	adminPassword, err := cipher.Encrypt("admin-secret")
	require.NoError(t, err)
	f.repo.accounts[1] = Account{
		ID: 1, AssetID: testAssetID, Type: AccountTypeAdmin, Username: "pam_admin",
		EncryptedPassword: adminPassword, IsActive: true,
	}
	f.repo.requests[testRequestID] = Request{
		ID: testRequestID, OrgID: testOrgID, Scope: dbdriver.ScopeReadOnly,
		Databases: []string{"sales"}, Purpose: "investigate refund totals",
	}
	started := f.now.Add(-5 * time.Minute)
	f.repo.sessions[testSessionID] = Session{
		ID: testSessionID, OrgID: testOrgID, RequestID: testRequestID, AssetID: testAssetID,
		RequesterID: testUserID, Status: session.StatusStarted,
		ScheduledStart: f.now.Add(-10 * time.Minute), ScheduledEnd: f.now.Add(30 * time.Minute),
		ActualStart: &started, RequestedDuration: 40,
	}
	return f
}

func (f *fixture) setSession(mutate func(s *Session)) {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	s := f.repo.sessions[testSessionID]
	mutate(&s)
	f.repo.sessions[testSessionID] = s
}

func (f *fixture) session(t *testing.T) Session {
	t.Helper()
	s, err := f.repo.GetSession(context.Background(), testSessionID)
	require.NoError(t, err)
	return s
}
