package main

import (
	"context"
	"strings"

	"github.com/kimhsiao/csmsync/internal/connectivity"
	"github.com/kimhsiao/csmsync/internal/db"
	"github.com/kimhsiao/csmsync/internal/errors"
	"github.com/kimhsiao/csmsync/internal/logging"
	"github.com/kimhsiao/csmsync/internal/metrics"
	"github.com/kimhsiao/csmsync/internal/reconciler"
	"github.com/kimhsiao/csmsync/internal/remote"
	"github.com/kimhsiao/csmsync/internal/remote/legacy"
	"github.com/kimhsiao/csmsync/internal/remote/postgres"
	"github.com/kimhsiao/csmsync/internal/session"
	syncpkg "github.com/kimhsiao/csmsync/internal/sync"
	"github.com/kimhsiao/csmsync/internal/sync/queue"
)

// app holds the components shared by the commands.
type app struct {
	database *db.DB
	store    *db.Repository
	primary  *postgres.Remote
	legacy   *legacy.Client
	chain    *remote.Chain
	session  *session.TokenSession
	recorder *metrics.Recorder
}

// openApp opens the local store and connects the configured remotes.
func openApp(ctx context.Context) (*app, error) {
	database, err := db.Open(cfg.DataDir, cfg.DBFile)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "open local store", err)
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, err
	}

	a := &app{
		database: database,
		store:    db.NewRepository(database.DB),
		session:  session.NewTokenSession([]byte(cfg.JWTSecret), cfg.SessionToken),
		recorder: metrics.NewRecorder(),
	}

	var backends []remote.Backend
	if cfg.PrimaryEnabled() {
		// Open does not dial, so an unreachable primary still takes slot 0 and its
		// calls fail as remote unavailable.
		primary, err := postgres.Open(cfg.PrimaryDSN)
		if err != nil {
			a.Close()
			return nil, errors.Wrap(errors.ErrConfig, "primary remote", err)
		}
		a.primary = primary
		backends = append(backends, primary)
	}
	if cfg.LegacyEnabled() {
		a.legacy = legacy.New(cfg.LegacyBaseURL, a.session, legacy.WithTimeout(cfg.LegacyTimeout))
		backends = append(backends, a.legacy)
	}
	a.chain = remote.NewChain(backends,
		remote.WithTimeout(cfg.RequestTimeout),
		remote.WithObserver(a.recorder))

	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.Name())
	}
	logging.Info("remote chain configured", map[string]interface{}{"backends": strings.Join(names, ",")})
	return a, nil
}

// requireUser fails unless the configured session token identifies a user.
func (a *app) requireUser() (session.User, error) {
	u, ok := a.session.CurrentUser()
	if !ok {
		return session.User{}, errors.New(errors.ErrUnauthenticated,
			"CSM_SESSION_TOKEN is missing, expired or not signed with CSM_JWT_SECRET")
	}
	return u, nil
}

// probe returns the connectivity probe for the configured remotes. An explicit
// probe URL wins; otherwise the primary is pinged, then the legacy health endpoint.
// Without any remote the state is fixed offline.
func (a *app) probe() connectivity.Probe {
	switch {
	case cfg.ProbeURL != "":
		return connectivity.NewHTTPProbe(cfg.ProbeURL, cfg.ProbeInterval, cfg.ProbeTimeout)
	case a.primary != nil:
		return connectivity.NewPingProbe(postgres.Name, a.primary.Ping, cfg.ProbeInterval, cfg.ProbeTimeout)
	case a.legacy != nil:
		return connectivity.NewPingProbe(legacy.Name, a.legacy.Health, cfg.ProbeInterval, cfg.ProbeTimeout)
	}
	return connectivity.NewManual(false)
}

func (a *app) policy() queue.Policy {
	return queue.Policy{
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		MaxFailures: cfg.MaxFailures,
	}
}

func (a *app) engine(probe connectivity.Probe) *syncpkg.Engine {
	return syncpkg.NewSyncEngine(a.store, a.chain, a.session,
		syncpkg.WithPolicy(a.policy()),
		syncpkg.WithProbe(probe),
		syncpkg.WithObserver(a.recorder))
}

func (a *app) reconciler(probe connectivity.Probe) *reconciler.Reconciler {
	return reconciler.New(a.store, a.session, probe, a.chain, nil)
}

// Close releases the store and remote connections.
func (a *app) Close() {
	if a.primary != nil {
		if err := a.primary.Close(); err != nil {
			logging.Warn("close primary failed", map[string]interface{}{"error": err.Error()})
		}
	}
	if err := a.store.Close(); err != nil {
		logging.Warn("close statements failed", map[string]interface{}{"error": err.Error()})
	}
	if err := a.database.Close(); err != nil {
		logging.Warn("close local store failed", map[string]interface{}{"error": err.Error()})
	}
}
