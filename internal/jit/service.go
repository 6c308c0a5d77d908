package jit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lunzai/arguspam-sub003/internal/dbdriver"
	"github.com/lunzai/arguspam-sub003/internal/session"
	"github.com/lunzai/arguspam-sub003/internal/shared"
)

// DriverFactory builds an engine driver for an asset.
type DriverFactory interface {
	New(target dbdriver.Target, creds dbdriver.AdminCredentials) (dbdriver.Driver, error)
}

// Metrics records lifecycle outcomes per engine.
type Metrics interface {
	ObserveOperation(op string, engine dbdriver.Engine, err error, elapsed time.Duration)
	AddAuditRows(engine dbdriver.Engine, n int)
}

// Options tunes optional collaborators of the Service.
type Options struct {
	Notifier         Notifier
	Review           ReviewHandoff
	Locker           Locker
	LockTTL          time.Duration
	SweepConcurrency int
	SweepRate        rate.Limit
	Metrics          Metrics
	Logger           *slog.Logger
}

// txHook runs inside the transaction that links or unlinks an account, with
// the session row locked.
type txHook func(ctx context.Context, tx TxRepository, locked Session) error

// Service orchestrates JIT account provisioning and the session workflow
// around it.
type Service struct {
	repo     Repository
	drivers  DriverFactory
	cipher   Cipher
	resolver *CredentialResolver
	audits   *AuditCollector
	guard    *sessionGuard
	notifier Notifier
	review   ReviewHandoff
	metrics  Metrics
	logger   *slog.Logger

	sweepConcurrency int
	sweepLimiter     *rate.Limiter
	now              func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, drivers DriverFactory, cipher Cipher, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := opts.Locker
	if locker == nil {
		locker = NewMemoryLocker()
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	concurrency := opts.SweepConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	limit := opts.SweepRate
	if limit <= 0 {
		limit = rate.Inf
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	review := opts.Review
	if review == nil {
		review = nopReview{}
	}
	return &Service{
		repo:             repo,
		drivers:          drivers,
		cipher:           cipher,
		resolver:         NewCredentialResolver(repo, cipher),
		audits:           NewAuditCollector(repo),
		guard:            &sessionGuard{locker: locker, ttl: ttl, logger: logger},
		notifier:         notifier,
		review:           review,
		metrics:          opts.Metrics,
		logger:           logger,
		sweepConcurrency: concurrency,
		sweepLimiter:     rate.NewLimiter(limit, concurrency),
		now:              time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
		s.audits.now = now
	}
}

// Resolver exposes the credential resolver.
func (s *Service) Resolver() *CredentialResolver { return s.resolver }

// GetSession loads a session.
func (s *Service) GetSession(ctx context.Context, id int64) (Session, error) {
	return s.repo.GetSession(ctx, id)
}

// GetAsset loads an asset.
func (s *Service) GetAsset(ctx context.Context, id int64) (Asset, error) {
	return s.repo.GetAsset(ctx, id)
}

// ListAudits returns the captured queries of a session.
func (s *Service) ListAudits(ctx context.Context, sessionID int64) ([]Audit, error) {
	return s.repo.ListAudits(ctx, sessionID)
}

// Actions evaluates the user-facing gates of a session.
func (s *Service) Actions(ctx context.Context, sessionID int64) (session.Actions, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return session.Actions{}, err
	}
	return session.ActionsAt(sess.Window(), s.now()), nil
}

// CreateAccount provisions the JIT account of a started session. A session
// that already holds an account gets it back unchanged.
func (s *Service) CreateAccount(ctx context.Context, sessionID int64) (Account, error) {
	val, err := s.guard.do(ctx, "create", sessionID, func(ctx context.Context) (any, error) {
		sess, err := s.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if !sess.Status.HoldsCredential() {
			return nil, fmt.Errorf("%w: session %d is %s", ErrAccountNotAllowed, sess.ID, sess.Status)
		}
		return s.provision(ctx, sess, nil)
	})
	if err != nil {
		return Account{}, err
	}
	return val.(Account), nil
}

// StartSession moves a scheduled session to started and provisions its
// account in the same transaction.
func (s *Service) StartSession(ctx context.Context, sessionID int64) (Account, error) {
	val, err := s.guard.do(ctx, "start", sessionID, func(ctx context.Context) (any, error) {
		sess, err := s.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if _, err := session.Transition(sess.Status, session.StatusStarted); err != nil {
			return nil, err
		}
		if !session.CanStart(sess.Window(), s.now()) {
			return nil, fmt.Errorf("%w: session %d", ErrOutsideWindow, sess.ID)
		}
		acct, err := s.provision(ctx, sess, func(ctx context.Context, tx TxRepository, locked Session) error {
			next, err := session.Transition(locked.Status, session.StatusStarted)
			if err != nil {
				return err
			}
			now := s.now()
			return tx.UpdateSessionStatus(ctx, SessionUpdate{
				ID:          locked.ID,
				Status:      next,
				ActualStart: &now,
				UpdatedBy:   actorID(ctx),
			})
		})
		if err != nil {
			return nil, err
		}
		s.emit(ctx, Event{Type: EventSessionStarted, OrgID: sess.OrgID, SessionID: sess.ID, AssetID: sess.AssetID, AccountID: acct.ID})
		return acct, nil
	})
	if err != nil {
		return Account{}, err
	}
	return val.(Account), nil
}

func (s *Service) provision(ctx context.Context, sess Session, hook txHook) (Account, error) {
	existing, err := s.repo.GetActiveJITAccount(ctx, sess.ID)
	switch {
	case err == nil && hook != nil:
		return Account{}, fmt.Errorf("%w: session %d already holds %s", ErrSessionBusy, sess.ID, existing.Username)
	case err == nil:
		return s.reveal(existing)
	case !errors.Is(err, ErrNotFound):
		return Account{}, err
	}

	asset, err := s.repo.GetAsset(ctx, sess.AssetID)
	if err != nil {
		return Account{}, fmt.Errorf("jit: asset %d: %w", sess.AssetID, err)
	}
	req, err := s.repo.GetRequest(ctx, sess.RequestID)
	if err != nil {
		return Account{}, fmt.Errorf("jit: request %d: %w", sess.RequestID, err)
	}
	admin, err := s.resolver.GetAdminCredentials(ctx, asset)
	if err != nil {
		return Account{}, err
	}
	driver, err := s.drivers.New(asset.Target(), admin)
	if err != nil {
		return Account{}, fmt.Errorf("jit: asset %d: %w", asset.ID, err)
	}

	started := s.now()
	acct, err := s.createRemote(ctx, driver, sess, asset, req, admin, hook)
	s.observe("create", asset.Engine, err, started)
	if err != nil {
		s.logger.ErrorContext(ctx, "jit account provisioning failed",
			slog.Int64("session_id", sess.ID), slog.Int64("asset_id", asset.ID),
			slog.String("engine", string(asset.Engine)), slog.Any("error", err))
		return Account{}, err
	}
	s.logger.InfoContext(ctx, "jit account created",
		slog.Int64("session_id", sess.ID), slog.String("username", acct.Username),
		slog.String("engine", string(asset.Engine)))
	s.emit(ctx, Event{
		Type:      EventJitAccountCreated,
		OrgID:     sess.OrgID,
		SessionID: sess.ID,
		AssetID:   asset.ID,
		AccountID: acct.ID,
		Username:  acct.Username,
	})
	return acct, nil
}

func (s *Service) createRemote(ctx context.Context, driver dbdriver.Driver, sess Session, asset Asset, req Request, admin dbdriver.AdminCredentials, hook txHook) (Account, error) {
	if err := driver.TestAdminConnection(ctx); err != nil {
		return Account{}, fmt.Errorf("jit: asset %d: %w", asset.ID, err)
	}
	creds, err := driver.GenerateSecureCredentials()
	if err != nil {
		return Account{}, fmt.Errorf("jit: generate credentials: %w", err)
	}
	databases, err := s.effectiveDatabases(ctx, driver, admin, req, asset)
	if err != nil {
		return Account{}, err
	}
	expires := sess.ScheduledEnd.UTC()
	err = driver.CreateUser(ctx, dbdriver.CreateUserRequest{
		Username:  creds.Username,
		Password:  creds.Password,
		Databases: databases,
		Scope:     req.Scope,
		ExpiresAt: expires,
	})
	if err != nil {
		return Account{}, s.compensate(ctx, driver, creds.Username, databases, fmt.Errorf("jit: session %d: %w", sess.ID, err))
	}
	encrypted, err := s.cipher.Encrypt(creds.Password)
	if err != nil {
		return Account{}, s.compensate(ctx, driver, creds.Username, databases, fmt.Errorf("jit: encrypt credential: %w", err))
	}

	sessionID := sess.ID
	acct := Account{
		AssetID:           asset.ID,
		SessionID:         &sessionID,
		Type:              AccountTypeJIT,
		Username:          creds.Username,
		EncryptedPassword: encrypted,
		Databases:         databases,
		Scope:             req.Scope,
		ExpiresAt:         &expires,
		IsActive:          true,
		CreatedBy:         actorID(ctx),
		CreatedAt:         s.now().UTC(),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockSession(ctx, sess.ID)
		if err != nil {
			return err
		}
		inserted, err := tx.InsertAccount(ctx, acct)
		if err != nil {
			return err
		}
		if err := tx.LinkSessionAccount(ctx, sess.ID, inserted.ID, inserted.Username, actorID(ctx)); err != nil {
			return err
		}
		if hook != nil {
			if err := hook(ctx, tx, locked); err != nil {
				return err
			}
		}
		acct = inserted
		return nil
	})
	if err != nil {
		return Account{}, s.compensate(ctx, driver, creds.Username, databases, fmt.Errorf("jit: persist account: %w", err))
	}
	acct.Password = creds.Password
	return acct, nil
}

// effectiveDatabases picks the first non-empty list of admin account,
// request and asset, falling back to every database the admin can see.
func (s *Service) effectiveDatabases(ctx context.Context, driver dbdriver.Driver, admin dbdriver.AdminCredentials, req Request, asset Asset) ([]string, error) {
	for _, candidate := range [][]string{admin.Databases, req.Databases, asset.Databases} {
		if len(candidate) > 0 {
			return append([]string(nil), candidate...), nil
		}
	}
	all, err := driver.GetAllDatabases(ctx)
	if err != nil {
		return nil, fmt.Errorf("jit: list databases of asset %d: %w", asset.ID, err)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// compensate drops a remote account whose local record could not be written.
func (s *Service) compensate(ctx context.Context, driver dbdriver.Driver, username string, databases []string, cause error) error {
	if err := driver.TerminateUser(context.WithoutCancel(ctx), username, databases); err != nil {
		s.logger.ErrorContext(ctx, "compensating jit account drop failed",
			slog.String("username", username), slog.Any("error", err))
		return errors.Join(cause, fmt.Errorf("jit: compensating drop of %s: %w", username, err))
	}
	return cause
}

func (s *Service) reveal(acct Account) (Account, error) {
	password, err := s.cipher.Decrypt(acct.EncryptedPassword)
	if err != nil {
		return Account{}, fmt.Errorf("jit: decrypt account %d: %w", acct.ID, err)
	}
	acct.Password = password
	return acct, nil
}

// TerminateAccount collects the audit trail of a session's account and drops
// it. Sessions without an active account succeed without side effects.
func (s *Service) TerminateAccount(ctx context.Context, sessionID int64) error {
	_, err := s.guard.do(ctx, "terminate", sessionID, func(ctx context.Context) (any, error) {
		sess, err := s.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return nil, s.deprovision(ctx, sess, nil)
	})
	return err
}

// EndSession finishes a started session normally.
func (s *Service) EndSession(ctx context.Context, sessionID int64) error {
	return s.finish(ctx, "end", sessionID, session.StatusEnded, EventSessionEnded)
}

// TerminateSession force-stops a started session.
func (s *Service) TerminateSession(ctx context.Context, sessionID int64) error {
	return s.finish(ctx, "terminate-session", sessionID, session.StatusTerminated, EventSessionTerminated)
}

// finish moves a started session to a terminal state. A remote drop failure
// is returned wrapped in ErrRemoteTermination while the status still changes.
func (s *Service) finish(ctx context.Context, op string, sessionID int64, to session.Status, evType EventType) error {
	_, err := s.guard.do(ctx, op, sessionID, func(ctx context.Context) (any, error) {
		sess, err := s.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if _, err := session.Transition(sess.Status, to); err != nil {
			return nil, err
		}
		var changed bool
		err = s.deprovision(ctx, sess, s.closeHook(to, true, &changed))
		if changed {
			s.emit(ctx, Event{Type: evType, OrgID: sess.OrgID, SessionID: sess.ID, AssetID: sess.AssetID})
		}
		return nil, err
	})
	return err
}

func (s *Service) closeHook(to session.Status, strict bool, changed *bool) txHook {
	return func(ctx context.Context, tx TxRepository, locked Session) error {
		next, err := session.Transition(locked.Status, to)
		if err != nil {
			if strict {
				return err
			}
			return nil
		}
		now := s.now()
		upd := SessionUpdate{ID: locked.ID, Status: next, ActualEnd: &now, UpdatedBy: actorID(ctx)}
		if locked.ActualStart != nil {
			minutes := durationMinutes(*locked.ActualStart, now)
			upd.ActualDuration = &minutes
		}
		if err := tx.UpdateSessionStatus(ctx, upd); err != nil {
			return err
		}
		*changed = true
		return nil
	}
}

func (s *Service) deprovision(ctx context.Context, sess Session, hook txHook) error {
	acct, err := s.repo.GetActiveJITAccount(ctx, sess.ID)
	if errors.Is(err, ErrNotFound) {
		if hook == nil {
			return nil
		}
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			locked, err := tx.LockSession(ctx, sess.ID)
			if err != nil {
				return err
			}
			return hook(ctx, tx, locked)
		})
	}
	if err != nil {
		return err
	}

	now := s.now()
	audits, remoteErr := s.dropRemote(ctx, sess, acct, now)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.DeactivateAccount(ctx, acct.ID, now); err != nil {
			return err
		}
		if hook == nil {
			return nil
		}
		locked, err := tx.LockSession(ctx, sess.ID)
		if err != nil {
			return err
		}
		return hook(ctx, tx, locked)
	})
	if err != nil {
		return errors.Join(fmt.Errorf("jit: deactivate account %d: %w", acct.ID, err), remoteErr)
	}

	s.emit(ctx, Event{
		Type:      EventJitAccountTerminated,
		OrgID:     sess.OrgID,
		SessionID: sess.ID,
		AssetID:   acct.AssetID,
		AccountID: acct.ID,
		Username:  acct.Username,
	})
	s.handOff(ctx, sess, audits)
	if remoteErr != nil {
		s.logger.WarnContext(ctx, "jit account deactivated locally but remote drop failed",
			slog.Int64("session_id", sess.ID), slog.String("username", acct.Username), slog.Any("error", remoteErr))
		return fmt.Errorf("%w: %s: %w", ErrRemoteTermination, acct.Username, remoteErr)
	}
	s.logger.InfoContext(ctx, "jit account terminated",
		slog.Int64("session_id", sess.ID), slog.String("username", acct.Username), slog.Int("audits", audits))
	return nil
}

// dropRemote collects the audit trail and drops the remote account. Audit
// failures are logged and never block the drop.
func (s *Service) dropRemote(ctx context.Context, sess Session, acct Account, now time.Time) (int, error) {
	asset, err := s.repo.GetAsset(ctx, acct.AssetID)
	if err != nil {
		return 0, fmt.Errorf("jit: asset %d: %w", acct.AssetID, err)
	}
	admin, err := s.resolver.GetAdminCredentials(ctx, asset)
	if err != nil {
		return 0, err
	}
	driver, err := s.drivers.New(asset.Target(), admin)
	if err != nil {
		return 0, err
	}
	audits := s.collectAudits(ctx, driver, sess, acct, asset.Engine, now)
	started := s.now()
	err = driver.TerminateUser(ctx, acct.Username, acct.Databases)
	s.observe("terminate", asset.Engine, err, started)
	return audits, err
}

func (s *Service) collectAudits(ctx context.Context, driver dbdriver.Driver, sess Session, acct Account, engine dbdriver.Engine, now time.Time) int {
	from := acct.CreatedAt
	if sess.ActualStart != nil {
		from = *sess.ActualStart
	}
	to := now
	if sess.ActualEnd != nil {
		to = *sess.ActualEnd
	}
	entries, err := driver.RetrieveUserQueryLogs(ctx, acct.Username, from, to)
	if err != nil {
		s.logger.WarnContext(ctx, "query log retrieval failed",
			slog.Int64("session_id", sess.ID), slog.String("username", acct.Username), slog.Any("error", err))
		return 0
	}
	n, err := s.audits.Store(ctx, sess, entries)
	if err != nil {
		s.logger.WarnContext(ctx, "audit store failed",
			slog.Int64("session_id", sess.ID), slog.Int("entries", len(entries)), slog.Any("error", err))
		return 0
	}
	if s.metrics != nil {
		s.metrics.AddAuditRows(engine, n)
	}
	return n
}

func (s *Service) handOff(ctx context.Context, sess Session, audits int) {
	req, err := s.repo.GetRequest(ctx, sess.RequestID)
	if err != nil {
		s.logger.WarnContext(ctx, "review hand-off skipped", slog.Int64("session_id", sess.ID), slog.Any("error", err))
		return
	}
	err = s.review.HandOff(ctx, ReviewRequest{
		OrgID:      sess.OrgID,
		SessionID:  sess.ID,
		RequestID:  req.ID,
		Purpose:    req.Purpose,
		AuditCount: audits,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "review hand-off failed", slog.Int64("session_id", sess.ID), slog.Any("error", err))
	}
}

// CancelSession cancels a scheduled session.
func (s *Service) CancelSession(ctx context.Context, sessionID int64) error {
	_, err := s.guard.do(ctx, "cancel", sessionID, func(ctx context.Context) (any, error) {
		sess, err := s.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if _, err := session.Transition(sess.Status, session.StatusCancelled); err != nil {
			return nil, err
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			locked, err := tx.LockSession(ctx, sessionID)
			if err != nil {
				return err
			}
			next, err := session.Transition(locked.Status, session.StatusCancelled)
			if err != nil {
				return err
			}
			return tx.UpdateSessionStatus(ctx, SessionUpdate{ID: locked.ID, Status: next, UpdatedBy: actorID(ctx)})
		})
		if err != nil {
			return nil, err
		}
		s.emit(ctx, Event{Type: EventSessionCancelled, OrgID: sess.OrgID, SessionID: sess.ID, AssetID: sess.AssetID})
		return nil, nil
	})
	return err
}

// CleanupExpiredAccounts terminates every active JIT account past its expiry
// and returns how many were processed. Failures are isolated per account.
func (s *Service) CleanupExpiredAccounts(ctx context.Context) (int, error) {
	now := s.now()
	accounts, err := s.repo.ListExpiredJITAccounts(ctx, now)
	if err != nil {
		return 0, err
	}
	var processed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.sweepConcurrency)
	for _, acct := range accounts {
		if acct.ExpiresAt == nil || acct.ExpiresAt.After(now) {
			continue
		}
		if acct.SessionID == nil {
			s.logger.WarnContext(ctx, "expired jit account has no session", slog.Int64("account_id", acct.ID))
			continue
		}
		sessionID := *acct.SessionID
		g.Go(func() error {
			if err := s.sweepLimiter.Wait(ctx); err != nil {
				return nil
			}
			processed.Add(1)
			if err := s.expireAccount(ctx, sessionID); err != nil {
				level := slog.LevelError
				if errors.Is(err, ErrSessionBusy) || errors.Is(err, ErrRemoteTermination) {
					level = slog.LevelWarn
				}
				s.logger.Log(ctx, level, "expired jit account cleanup failed",
					slog.Int64("session_id", sessionID), slog.Int64("account_id", acct.ID), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(processed.Load()), ctx.Err()
}

func (s *Service) expireAccount(ctx context.Context, sessionID int64) error {
	_, err := s.guard.do(ctx, "terminate", sessionID, func(ctx context.Context) (any, error) {
		sess, err := s.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		var changed bool
		err = s.deprovision(ctx, sess, s.closeHook(session.StatusTerminated, false, &changed))
		if changed {
			s.emit(ctx, Event{Type: EventSessionTerminated, OrgID: sess.OrgID, SessionID: sess.ID, AssetID: sess.AssetID})
		}
		return nil, err
	})
	return err
}

// ExpireStaleSessions moves scheduled sessions whose window elapsed unused to
// expired and returns how many changed.
func (s *Service) ExpireStaleSessions(ctx context.Context) (int, error) {
	now := s.now()
	sessions, err := s.repo.ListOverdueSessions(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, sess := range sessions {
		if !session.Overdue(sess.Window(), now) {
			continue
		}
		var changed bool
		_, err := s.guard.do(ctx, "expire", sess.ID, func(ctx context.Context) (any, error) {
			return nil, s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				locked, err := tx.LockSession(ctx, sess.ID)
				if err != nil {
					return err
				}
				if !session.Overdue(locked.Window(), now) {
					return nil
				}
				next, err := session.Transition(locked.Status, session.StatusExpired)
				if err != nil {
					return err
				}
				if err := tx.UpdateSessionStatus(ctx, SessionUpdate{ID: locked.ID, Status: next}); err != nil {
					return err
				}
				changed = true
				return nil
			})
		})
		if err != nil {
			s.logger.WarnContext(ctx, "session expiry failed", slog.Int64("session_id", sess.ID), slog.Any("error", err))
			continue
		}
		if changed {
			expired++
			s.emit(ctx, Event{Type: EventSessionExpired, OrgID: sess.OrgID, SessionID: sess.ID, AssetID: sess.AssetID})
		}
	}
	return expired, ctx.Err()
}

// TestAssetConnection probes the admin identity of an asset.
func (s *Service) TestAssetConnection(ctx context.Context, assetID int64) error {
	driver, asset, err := s.assetDriver(ctx, assetID)
	if err != nil {
		return err
	}
	started := s.now()
	err = driver.TestAdminConnection(ctx)
	s.observe("test_connection", asset.Engine, err, started)
	return err
}

// ListAssetDatabases enumerates databases visible to the asset's admin identity.
func (s *Service) ListAssetDatabases(ctx context.Context, assetID int64) ([]string, error) {
	driver, asset, err := s.assetDriver(ctx, assetID)
	if err != nil {
		return nil, err
	}
	started := s.now()
	dbs, err := driver.GetAllDatabases(ctx)
	s.observe("list_databases", asset.Engine, err, started)
	return dbs, err
}

func (s *Service) assetDriver(ctx context.Context, assetID int64) (dbdriver.Driver, Asset, error) {
	asset, err := s.repo.GetAsset(ctx, assetID)
	if err != nil {
		return nil, Asset{}, err
	}
	admin, err := s.resolver.GetAdminCredentials(ctx, asset)
	if err != nil {
		return nil, Asset{}, err
	}
	driver, err := s.drivers.New(asset.Target(), admin)
	if err != nil {
		return nil, Asset{}, err
	}
	return driver, asset, nil
}

func (s *Service) emit(ctx context.Context, ev Event) {
	ev.OccurredAt = s.now().UTC()
	if actor, ok := shared.ActorFromContext(ctx); ok {
		ev.ActorID = actor.UserID
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "event delivery failed",
			slog.String("event", string(ev.Type)), slog.Int64("session_id", ev.SessionID), slog.Any("error", err))
	}
}

func (s *Service) observe(op string, engine dbdriver.Engine, err error, started time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, engine, err, s.now().Sub(started))
	}
}

func actorID(ctx context.Context) *int64 {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok || actor.UserID == 0 {
		return nil
	}
	id := actor.UserID
	return &id
}
