package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/skylake-tv/runnerd/src/internal/api"
	"github.com/skylake-tv/runnerd/src/internal/artifact"
	"github.com/skylake-tv/runnerd/src/internal/config"
	"github.com/skylake-tv/runnerd/src/internal/download"
	"github.com/skylake-tv/runnerd/src/internal/fetch"
	"github.com/skylake-tv/runnerd/src/internal/health"
	"github.com/skylake-tv/runnerd/src/internal/process"
	"github.com/skylake-tv/runnerd/src/internal/redirect"
	"github.com/skylake-tv/runnerd/src/internal/update"
	"github.com/skylake-tv/runnerd/src/pkg/models"
)

const readyWaitLimit = 2 * time.Minute

// daemon wires every component together for one run of the process.
type daemon struct {
	store        *config.Store
	supervisor   *process.Supervisor
	prober       *health.Prober
	orchestrator *update.Orchestrator
	sequencer    *redirect.Sequencer
	apiServer    *api.Server
	listenAddr   string
}

func newDaemon(ctx context.Context, configPath, dataDir, listenAddr string) (*daemon, error) {
	store, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	pidFile := process.NewPIDFile(filepath.Join(dataDir, "server.pid"))
	if err := pidFile.CleanupOrphans(); err != nil {
		slog.Warn("orphan cleanup failed", "error", err)
	}

	locks := artifact.NewLocks()
	supervisor := process.NewSupervisor(dataDir, pidFile, locks)
	prober := health.NewProber()

	coordinator := download.NewCoordinator(download.NewHTTPEngine())
	orchestrator := update.NewOrchestrator(store, fetch.NewClient(), coordinator,
		&stagingInstaller{dir: filepath.Join(dataDir, "install")}, locks, dataDir, version)

	launcher := &redirect.ExecLauncher{
		WebPlayerURL: fmt.Sprintf("http://localhost:%d/", store.Settings().ServerPort),
	}
	sequencer := redirect.NewSequencer(launcher)

	// Stopping the server takes any armed countdown with it.
	supervisor.OnStopped(sequencer.Cancel)

	return &daemon{
		store:        store,
		supervisor:   supervisor,
		prober:       prober,
		orchestrator: orchestrator,
		sequencer:    sequencer,
		apiServer:    api.NewServer(ctx, supervisor, prober, orchestrator, sequencer, store),
		listenAddr:   listenAddr,
	}, nil
}

func (d *daemon) run(ctx context.Context) error {
	defer d.apiServer.Close()

	scheduler, err := d.startScheduler(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.Warn("scheduler shutdown failed", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveAPI(gctx, d.listenAddr, d.apiServer)
	})

	if d.store.Settings().AutoStartServer {
		g.Go(func() error {
			d.autoStart(gctx)
			return nil
		})
	}

	err = g.Wait()

	if d.supervisor.State().Active() {
		if stopErr := d.supervisor.Stop(); stopErr != nil {
			slog.Warn("failed to stop server on shutdown", "error", stopErr)
		}
	}
	return err
}

// startScheduler runs the periodic maintenance pass: remote config
// sync, integrity check, and the auto-update cycle.
func (d *daemon) startScheduler(ctx context.Context) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	interval := d.store.Settings().Remote.CheckInterval
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { d.maintain(ctx) }),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule maintenance: %w", err)
	}

	scheduler.Start()
	return scheduler, nil
}

// maintain is one pass of background housekeeping.
func (d *daemon) maintain(ctx context.Context) {
	if err := d.orchestrator.SyncRemoteConfig(ctx); err != nil {
		slog.Warn("remote config sync failed", "error", err)
	}

	if !d.store.Settings().AutoUpdate {
		return
	}

	switch check := d.orchestrator.VerifyStagedBinarySize(ctx); check {
	case models.SizeBootstrap, models.SizeMismatch:
		slog.Info("binary artifact needs download", "check", check)
		d.applyBinary(ctx, true)
		return
	case models.SizeUnknown:
		// Never re-download on an unconfirmed size.
	}

	decisions := d.orchestrator.CheckAll(ctx)
	if decisions[models.KindBinary].Available {
		d.applyBinary(ctx, false)
	}
	if decisions[models.KindApplication].Available {
		if _, err := d.orchestrator.Apply(ctx, models.KindApplication, false); err != nil {
			slog.Warn("application update failed to start", "error", err)
		}
	}
}

func (d *daemon) applyBinary(ctx context.Context, force bool) {
	_, err := d.orchestrator.Apply(ctx, models.KindBinary, force)
	if err != nil {
		slog.Warn("binary update failed to start", "error", err)
	}
}

// autoStart brings the server up and, when configured, arms the
// redirect countdown once the server reports ready.
func (d *daemon) autoStart(ctx context.Context) {
	settings := d.store.Settings()

	err := d.supervisor.Start(settings.Binary, settings.BinaryArgs, settings.EnvFile)
	if err != nil {
		slog.Warn("auto-start failed", "error", err)
		return
	}
	if err := d.store.SetBinaryIdentity(d.supervisor.Identity()); err != nil {
		slog.Warn("failed to persist binary identity", "error", err)
	}

	if !settings.AutoRedirect {
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, readyWaitLimit)
	defer cancel()

	outcome := d.prober.WaitReady(waitCtx, settings.ServerPort, time.Second)
	if outcome != models.HealthUpReady {
		slog.Warn("server never became ready, redirect not armed", "outcome", outcome)
		return
	}

	d.sequencer.Arm(ctx, settings.Redirect, settings.Redirect.CountdownSeconds)
}
