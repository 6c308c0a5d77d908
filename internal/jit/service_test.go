package jit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lunzai/arguspam-sub003/internal/dbdriver"
	"github.com/lunzai/arguspam-sub003/internal/session"
	"github.com/lunzai/arguspam-sub003/internal/shared"
)

func TestCreateAccountProvisionsReadOnlyAccount(t *testing.T) {
	f := newFixture(t)
	ctx := shared.ContextWithActor(context.Background(), shared.Actor{UserID: testUserID, OrgID: testOrgID})

	acct, err := f.svc.CreateAccount(ctx, testSessionID)
	require.NoError(t, err)
	require.Equal(t, AccountTypeJIT, acct.Type)
	require.True(t, acct.IsActive)
	require.Equal(t, []string{"sales"}, acct.Databases)
	require.Equal(t, dbdriver.ScopeReadOnly, acct.Scope)
	require.NotEmpty(t, acct.Password)
	require.NotEqual(t, acct.Password, acct.EncryptedPassword)
	require.NotNil(t, acct.ExpiresAt)
	require.True(t, acct.ExpiresAt.Equal(f.now.Add(30*time.Minute)))
	require.Equal(t, testUserID, *acct.CreatedBy)

	plain, err := f.cipher.Decrypt(f.repo.account(t, acct.ID).EncryptedPassword)
	require.NoError(t, err)
	require.Equal(t, acct.Password, plain)

	remote, ok := f.driver.users[acct.Username]
	require.True(t, ok)
	require.Equal(t, dbdriver.ScopeReadOnly, remote.Scope)
	require.Equal(t, []string{"sales"}, remote.Databases)
	require.True(t, remote.ExpiresAt.Equal(f.now.Add(30*time.Minute)))

	sess := f.session(t)
	require.NotNil(t, sess.AssetAccountID)
	require.Equal(t, acct.ID, *sess.AssetAccountID)
	require.Equal(t, acct.Username, sess.AccountName)
	require.Equal(t, []EventType{EventJitAccountCreated}, f.notifier.types())
	require.Equal(t, testUserID, f.notifier.events[0].ActorID)

	// The factory got the decrypted admin identity.
	require.Equal(t, "pam_admin", f.factory.creds[0].Username)
	require.Equal(t, "admin-secret", f.factory.creds[0].Password)
}

func TestCreateAccountIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateAccount(ctx, testSessionID)
	require.NoError(t, err)
	second, err := f.svc.CreateAccount(ctx, testSessionID)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.Password, second.Password)
	require.Equal(t, 1, f.driver.createCalls)
	require.Len(t, f.repo.jitAccounts(), 1)
}

func TestCreateAccountWithoutAdminCredential(t *testing.T) {
	f := newFixture(t)
	delete(f.repo.accounts, 1)

	_, err := f.svc.CreateAccount(context.Background(), testSessionID)
	require.ErrorIs(t, err, ErrCredentialNotFound)
	require.Zero(t, f.driver.createCalls)
	require.Zero(t, f.driver.remoteUsers())
	require.Empty(t, f.repo.jitAccounts())
	require.Empty(t, f.notifier.types())
}

func TestCreateAccountInactiveAdminCredential(t *testing.T) {
	f := newFixture(t)
	admin := f.repo.accounts[1]
	admin.IsActive = false
	f.repo.accounts[1] = admin

	_, err := f.svc.CreateAccount(context.Background(), testSessionID)
	require.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestCreateAccountCompensatesWhenPersistFails(t *testing.T) {
	f := newFixture(t)
	f.repo.insertAccountErr = errors.New("disk full")

	_, err := f.svc.CreateAccount(context.Background(), testSessionID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.Equal(t, 1, f.driver.createCalls)
	require.Equal(t, 1, f.driver.dropCalls)
	require.Zero(t, f.driver.remoteUsers())
	require.Empty(t, f.repo.jitAccounts())
	require.Nil(t, f.session(t).AssetAccountID)
}

func TestCreateAccountCompensatesPartialRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.driver.createErr = dbdriver.ErrProvisioning

	_, err := f.svc.CreateAccount(context.Background(), testSessionID)
	require.ErrorIs(t, err, dbdriver.ErrProvisioning)
	require.Zero(t, f.driver.remoteUsers())
	require.Empty(t, f.repo.jitAccounts())
}

func TestCreateAccountReportsFailedCompensation(t *testing.T) {
	f := newFixture(t)
	f.repo.insertAccountErr = errors.New("disk full")
	f.driver.terminateErr = dbdriver.ErrConnection

	_, err := f.svc.CreateAccount(context.Background(), testSessionID)
	require.Error(t, err)
	require.ErrorIs(t, err, dbdriver.ErrConnection)
	require.Contains(t, err.Error(), "disk full")
}

func TestCreateAccountConnectionFailure(t *testing.T) {
	f := newFixture(t)
	f.driver.testErr = dbdriver.ErrConnection

	_, err := f.svc.CreateAccount(context.Background(), testSessionID)
	require.ErrorIs(t, err, dbdriver.ErrConnection)
	require.Zero(t, f.driver.createCalls)
}

func TestCreateAccountRequiresStartedSession(t *testing.T) {
	for _, status := range []session.Status{
		session.StatusScheduled, session.StatusEnded, session.StatusCancelled,
		session.StatusTerminated, session.StatusExpired,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			f.setSession(func(s *Session) { s.Status = status })

			_, err := f.svc.CreateAccount(context.Background(), testSessionID)
			require.ErrorIs(t, err, ErrAccountNotAllowed)
			require.Zero(t, f.driver.createCalls)
		})
	}
}

func TestCreateAccountUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateAccount(context.Background(), 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAccountConcurrentCallersShareOneAccount(t *testing.T) {
	f := newFixture(t)
	f.driver.createDelay = 50 * time.Millisecond

	const callers = 8
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]Account, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.svc.CreateAccount(context.Background(), testSessionID)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].Username, results[i].Username)
	}
	require.Equal(t, 1, f.driver.createCalls)
	require.Equal(t, 1, f.driver.remoteUsers())
	require.Len(t, f.repo.jitAccounts(), 1)
}

func TestEffectiveDatabasesPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		admin   []string
		request []string
		asset   []string
		remote  []string
		want    []string
	}{
		{name: "admin wins", admin: []string{"a"}, request: []string{"r"}, asset: []string{"x"}, want: []string{"a"}},
		{name: "request next", request: []string{"r1", "r2"}, asset: []string{"x"}, want: []string{"r1", "r2"}},
		{name: "asset next", asset: []string{"x"}, want: []string{"x"}},
		{name: "remote listing", remote: []string{"app", "billing"}, want: []string{"app", "billing"}},
		{name: "server wide", want: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			admin := f.repo.accounts[1]
			admin.Databases = tc.admin
			f.repo.accounts[1] = admin
			req := f.repo.requests[testRequestID]
			req.Databases = tc.request
			f.repo.requests[testRequestID] = req
			asset := f.repo.assets[testAssetID]
			asset.Databases = tc.asset
			f.repo.assets[testAssetID] = asset
			f.driver.databases = tc.remote

			acct, err := f.svc.CreateAccount(context.Background(), testSessionID)
			require.NoError(t, err)
			require.Equal(t, tc.want, acct.Databases)
			require.Equal(t, tc.want, f.driver.users[acct.Username].Databases)
		})
	}
}

func TestServerWideAccountTerminatesWithoutDatabaseList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.repo.requests[testRequestID]
	req.Databases = nil
	f.repo.requests[testRequestID] = req

	acct, err := f.svc.CreateAccount(ctx, testSessionID)
	require.NoError(t, err)
	require.Nil(t, acct.Databases)
	require.Nil(t, f.repo.account(t, acct.ID).Databases)

	require.NoError(t, f.svc.TerminateAccount(ctx, testSessionID))
	require.Equal(t, 1, f.driver.dropCalls)
	require.Nil(t, f.driver.dropDBs)
	require.False(t, f.repo.account(t, acct.ID).IsActive)
}

func TestAccountDatabasesColumnAcceptsNull(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "migrations", "0001_jit.up.sql"))
	require.NoError(t, err)

	ddl := string(data)
	start := strings.Index(ddl, "CREATE TABLE IF NOT EXISTS asset_accounts")
	require.GreaterOrEqual(t, start, 0)
	table := ddl[start:]
	table = table[:strings.Index(table, ");")]

	var column string
	for _, line := range strings.Split(table, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "databases") {
			column = line
		}
	}
	require.NotEmpty(t, column)
	require.NotContains(t, column, "NOT NULL")
}

func TestNotifierFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("broker down")

	acct, err := f.svc.CreateAccount(context.Background(), testSessionID)
	require.NoError(t, err)
	require.True(t, acct.IsActive)
	require.Equal(t, []EventType{EventJitAccountCreated}, f.notifier.types())
}

func TestTerminateAccountWithoutAccountIsNoop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.TerminateAccount(context.Background(), testSessionID))
	require.Zero(t, f.driver.logCalls)
	require.Zero(t, f.driver.dropCalls)
	require.Zero(t, f.repo.auditInserts)
	require.Empty(t, f.notifier.types())
	require.Empty(t, f.review.requests)
}

func TestTerminateAccountCollectsAuditsAndDrops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct, err := f.svc.CreateAccount(ctx, testSessionID)
	require.NoError(t, err)

	f.driver.logs = []dbdriver.QueryLogEntry{
		{Timestamp: f.now.Add(-4 * time.Minute), Query: "SELECT * FROM orders"},
		{Timestamp: f.now.Add(-3 * time.Minute), Query: "   "},
		{Timestamp: f.now.Add(-2 * time.Minute), Query: "SELECT count(*) FROM refunds"},
	}
	f.now = f.now.Add(10 * time.Minute)

	require.NoError(t, f.svc.TerminateAccount(ctx, testSessionID))
	require.False(t, f.repo.account(t, acct.ID).IsActive)
	require.Zero(t, f.driver.remoteUsers())

	sess := f.session(t)
	require.True(t, f.driver.logFrom.Equal(*sess.ActualStart))
	require.True(t, f.driver.logTo.Equal(f.now))

	audits, err := f.svc.ListAudits(ctx, testSessionID)
	require.NoError(t, err)
	require.Len(t, audits, 2)
	for _, a := range audits {
		require.Equal(t, testOrgID, a.OrgID)
		require.Equal(t, testRequestID, a.RequestID)
		require.Equal(t, testAssetID, a.AssetID)
		require.Equal(t, testUserID, a.UserID)
	}
	require.Equal(t, "SELECT * FROM orders", audits[0].Query)

	require.Equal(t, []EventType{EventJitAccountCreated, EventJitAccountTerminated}, f.notifier.types())
	require.Len(t, f.review.requests, 1)
	require.Equal(t, ReviewRequest{
		OrgID: testOrgID, SessionID: testSessionID, RequestID: testRequestID,
		Purpose: "investigate refund totals", AuditCount: 2,
	}, f.review.requests[0])

	// Session status is untouched by a bare account termination.
	require.Equal(t, session.StatusStarted, sess.Status)
}

func TestTerminateAccountIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateAccount(ctx, testSessionID)
	require.NoError(t, err)

	require.NoError(t, f.svc.TerminateAccount(ctx, testSessionID))
	require.NoError(t, f.svc.TerminateAccount(ctx, testSessionID))
	require.Equal(t, 1, f.driver.dropCalls)
	require.Equal(t, 1, f.driver.logCalls)
}

func TestTerminateAccountToleratesAuditFailure(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(f *fixture)
	}{
		{name: "log unavailable", setup: func(f *fixture) { f.driver.logsErr = dbdriver.ErrAuditLogUnavailable }},
		{name: "audit insert", setup: func(f *fixture) {
			f.driver.logs = []dbdriver.QueryLogEntry{{Timestamp: f.now, Query: "SELECT 1"}}
			f.repo.insertAuditsErr = errors.New("copy failed")
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			acct, err := f.svc.CreateAccount(ctx, testSessionID)
			require.NoError(t, err)
			tc.setup(f)

			require.NoError(t, f.svc.TerminateAccount(ctx, testSessionID))
			require.False(t, f.repo.account(t, acct.ID).IsActive)
			require.Zero(t, f.driver.remoteUsers())
			require.Equal(t, 0, f.review.requests[0].AuditCount)
		})
	}
}

func TestTerminateAccountRemoteFailureStillDeactivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct, err := f.svc.CreateAccount(ctx, testSessionID)
	require.NoError(t, err)
	f.driver.terminateErr = dbdriver.ErrConnection

	err = f.svc.TerminateAccount(ctx, testSessionID)
	require.ErrorIs(t, err, ErrRemoteTermination)
	require.ErrorIs(t, err, dbdriver.ErrConnection)
	require.False(t, f.repo.account(t, acct.ID).IsActive)

	// A retry finds nothing left to do.
	require.NoError(t, f.svc.TerminateAccount(ctx, testSessionID))
}

func TestStartSessionProvisionsAtomically(t *testing.T) {
	f := newFixture(t)
	f.setSession(func(s *Session) {
		s.Status = session.StatusScheduled
		s.ActualStart = nil
	})
	ctx := shared.ContextWithActor(context.Background(), shared.Actor{UserID: testUserID, OrgID: testOrgID})

	acct, err := f.svc.StartSession(ctx, testSessionID)
	require.NoError(t, err)
	require.True(t, acct.IsActive)

	sess := f.session(t)
	require.Equal(t, session.StatusStarted, sess.Status)
	require.NotNil(t, sess.ActualStart)
	require.True(t, sess.ActualStart.Equal(f.now))
	require.Equal(t, acct.ID, *sess.AssetAccountID)
	require.Equal(t, testUserID, *sess.UpdatedBy)
	require.Equal(t, []EventType{EventJitAccountCreated, EventSessionStarted}, f.notifier.types())
}

func TestStartSessionRollsBackOnPersistFailure(t *testing.T) {
	f := newFixture(t)
	f.setSession(func(s *Session) {
		s.Status = session.StatusScheduled
		s.ActualStart = nil
	})
	f.repo.insertAccountErr = errors.New("disk full")

	_, err := f.svc.StartSession(context.Background(), testSessionID)
	require.Error(t, err)
	require.Equal(t, session.StatusScheduled, f.session(t).Status)
	require.Zero(t, f.driver.remoteUsers())
}

func TestStartSessionOutsideWindow(t *testing.T) {
	f := newFixture(t)
	f.setSession(func(s *Session) {
		s.Status = session.StatusScheduled
		s.ScheduledStart = f.now.Add(time.Hour)
		s.ScheduledEnd = f.now.Add(2 * time.Hour)
	})

	_, err := f.svc.StartSession(context.Background(), testSessionID)
	require.ErrorIs(t, err, ErrOutsideWindow)
	require.Zero(t, f.driver.createCalls)
}

func TestStartSessionAlreadyStarted(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StartSession(context.Background(), testSessionID)
	require.ErrorIs(t, err, session.ErrInvalidTransition)
	var terr *session.TransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, session.StatusStarted, terr.From)
}

func TestEndSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct, err := f.svc.CreateAccount(ctx, testSessionID)
	require.NoError(t, err)
	f.now = f.now.Add(15 * time.Minute)

	require.NoError(t, f.svc.EndSession(ctx, testSessionID))

	sess := f.session(t)
	require.Equal(t, session.StatusEnded, sess.Status)
	require.True(t, sess.ActualEnd.Equal(f.now))
	require.Equal(t, 20, *sess.ActualDuration)
	require.False(t, f.repo.account(t, acct.ID).IsActive)
	require.Zero(t, f.driver.remoteUsers())
	require.Equal(t, []EventType{EventJitAccountCreated, EventJitAccountTerminated, EventSessionEnded}, f.notifier.types())

	err = f.svc.EndSession(ctx, testSessionID)
	require.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestTerminateSessionWithoutAccount(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.TerminateSession(context.Background(), testSessionID))
	require.Equal(t, session.StatusTerminated, f.session(t).Status)
	require.Zero(t, f.driver.dropCalls)
	require.Equal(t, []EventType{EventSessionTerminated}, f.notifier.types())
}

func TestTerminateSessionRemoteFailureStillCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateAccount(ctx, testSessionID)
	require.NoError(t, err)
	f.driver.terminateErr = dbdriver.ErrConnection

	err = f.svc.TerminateSession(ctx, testSessionID)
	require.ErrorIs(t, err, ErrRemoteTermination)
	require.Equal(t, session.StatusTerminated, f.session(t).Status)
}

func TestCancelSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.CancelSession(ctx, testSessionID)
	require.ErrorIs(t, err, session.ErrInvalidTransition)

	f.setSession(func(s *Session) { s.Status = session.StatusScheduled })
	require.NoError(t, f.svc.CancelSession(ctx, testSessionID))
	require.Equal(t, session.StatusCancelled, f.session(t).Status)
	require.Equal(t, []EventType{EventSessionCancelled}, f.notifier.types())
}

func TestCleanupExpiredAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expired, err := f.svc.CreateAccount(ctx, testSessionID)
	require.NoError(t, err)

	// A second started session whose account is still valid.
	f.repo.sessions[200] = Session{
		ID: 200, OrgID: testOrgID, RequestID: testRequestID, AssetID: testAssetID,
		RequesterID: testUserID, Status: session.StatusStarted,
		ScheduledStart: f.now.Add(-time.Minute), ScheduledEnd: f.now.Add(3 * time.Hour),
	}
	valid, err := f.svc.CreateAccount(ctx, 200)
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	n, err := f.svc.CleanupExpiredAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.False(t, f.repo.account(t, expired.ID).IsActive)
	require.True(t, f.repo.account(t, valid.ID).IsActive)
	require.Equal(t, session.StatusTerminated, f.session(t).Status)
	require.Equal(t, session.StatusStarted, f.repo.sessions[200].Status)
	require.Contains(t, f.notifier.types(), EventSessionTerminated)
}

func TestCleanupSkipsFutureExpiryEvenIfListed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct, err := f.svc.CreateAccount(ctx, testSessionID)
	require.NoError(t, err)
	f.repo.ignoreExpiryQuery = true

	n, err := f.svc.CleanupExpiredAccounts(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.True(t, f.repo.account(t, acct.ID).IsActive)
	require.Zero(t, f.driver.dropCalls)
}

func TestCleanupIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct, err := f.svc.CreateAccount(ctx, testSessionID)
	require.NoError(t, err)
	f.driver.terminateErr = dbdriver.ErrConnection
	f.now = f.now.Add(time.Hour)

	n, err := f.svc.CleanupExpiredAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, f.repo.account(t, acct.ID).IsActive)
}

func TestCleanupLeavesEndedSessionStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct, err := f.svc.CreateAccount(ctx, testSessionID)
	require.NoError(t, err)
	// Ended locally but the account survived a failed drop.
	f.setSession(func(s *Session) { s.Status = session.StatusEnded })
	f.now = f.now.Add(time.Hour)

	n, err := f.svc.CleanupExpiredAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, f.repo.account(t, acct.ID).IsActive)
	require.Equal(t, session.StatusEnded, f.session(t).Status)
}

func TestExpireStaleSessions(t *testing.T) {
	f := newFixture(t)
	f.setSession(func(s *Session) {
		s.Status = session.StatusScheduled
		s.ScheduledStart = f.now.Add(-2 * time.Hour)
		s.ScheduledEnd = f.now.Add(-time.Hour)
	})
	f.repo.sessions[300] = Session{
		ID: 300, OrgID: testOrgID, Status: session.StatusScheduled,
		ScheduledStart: f.now.Add(time.Hour), ScheduledEnd: f.now.Add(2 * time.Hour),
	}

	n, err := f.svc.ExpireStaleSessions(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, session.StatusExpired, f.session(t).Status)
	require.Equal(t, session.StatusScheduled, f.repo.sessions[300].Status)
	require.Equal(t, []EventType{EventSessionExpired}, f.notifier.types())
}

func TestActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	actions, err := f.svc.Actions(ctx, testSessionID)
	require.NoError(t, err)
	require.Equal(t, session.Actions{CanEnd: true, CanTerminate: true}, actions)

	f.setSession(func(s *Session) { s.Status = session.StatusScheduled })
	actions, err = f.svc.Actions(ctx, testSessionID)
	require.NoError(t, err)
	require.Equal(t, session.Actions{CanStart: true, CanCancel: true}, actions)
}

func TestAssetOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driver.databases = []string{"app", "billing"}

	require.NoError(t, f.svc.TestAssetConnection(ctx, testAssetID))
	dbs, err := f.svc.ListAssetDatabases(ctx, testAssetID)
	require.NoError(t, err)
	require.Equal(t, []string{"app", "billing"}, dbs)

	f.driver.testErr = dbdriver.ErrConnection
	require.ErrorIs(t, f.svc.TestAssetConnection(ctx, testAssetID), dbdriver.ErrConnection)

	f.factory.err = dbdriver.ErrUnsupportedEngine
	_, err = f.svc.ListAssetDatabases(ctx, testAssetID)
	require.ErrorIs(t, err, dbdriver.ErrUnsupportedEngine)
}

type recordingMetrics struct {
	mu    sync.Mutex
	ops   []string
	rows  int
	fails int
}

func (m *recordingMetrics) ObserveOperation(op string, _ dbdriver.Engine, err error, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
	if err != nil {
		m.fails++
	}
}

func (m *recordingMetrics) AddAuditRows(_ dbdriver.Engine, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows += n
}

func TestServiceRecordsMetrics(t *testing.T) {
	f := newFixture(t)
	metrics := &recordingMetrics{}
	f.svc = NewService(f.repo, f.factory, f.cipher, Options{Metrics: metrics})
	f.svc.WithNow(func() time.Time { return f.now })
	ctx := context.Background()

	_, err := f.svc.CreateAccount(ctx, testSessionID)
	require.NoError(t, err)
	f.driver.logs = []dbdriver.QueryLogEntry{{Timestamp: f.now, Query: "SELECT 1"}}
	require.NoError(t, f.svc.TerminateAccount(ctx, testSessionID))

	require.Equal(t, []string{"create", "terminate"}, metrics.ops)
	require.Zero(t, metrics.fails)
	require.Equal(t, 1, metrics.rows)
}
