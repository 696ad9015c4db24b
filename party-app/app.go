package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sfkit/orchestrator/metrics"
	"github.com/sfkit/orchestrator/party-app/config"
	apisrv "github.com/sfkit/orchestrator/server/api"
	apimw "github.com/sfkit/orchestrator/server/api/middleware"
	"github.com/sfkit/orchestrator/x/barrier"
	"github.com/sfkit/orchestrator/x/coordination"
	"github.com/sfkit/orchestrator/x/party"
	"github.com/sfkit/orchestrator/x/pipeline"
	"github.com/sfkit/orchestrator/x/relay"
	"github.com/sfkit/orchestrator/x/reporter"
	"github.com/sfkit/orchestrator/x/supervisor"
)

// ErrInterrupted is returned by Run when a shutdown signal aborted the run.
var ErrInterrupted = errors.New("interrupted by signal")

// App wires one party's protocol run
type App struct {
	cfg *config.Config
	log zerolog.Logger

	party    party.Party
	client   coordination.Client
	uploader coordination.Uploader
	relays   *relay.Manager
	pipeline *pipeline.Pipeline

	// API server (HTTP)
	apiServer *apisrv.Server
	reporter  *reporter.Periodic

	shutdownFns []func() error
	signals     chan os.Signal
}

// NewApp creates a new application instance
func NewApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	app := &App{
		cfg:         cfg,
		log:         log.With().Str("component", "app").Logger(),
		party:       party.Party{Role: cfg.Party.Role, Demo: cfg.Party.Demo},
		shutdownFns: make([]func() error, 0),
	}

	if err := app.initialize(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to initialize app: %w", err)
	}

	return app, nil
}

// initialize sets up the application components
func (a *App) initialize(ctx context.Context, log zerolog.Logger) error {
	if err := a.initializeCoordination(ctx, log); err != nil {
		return err
	}
	if err := a.initializePipeline(log); err != nil {
		return err
	}
	a.initializeAPIServer(log)
	return a.initializeReporter(log)
}

// initializeCoordination connects to the coordination store
func (a *App) initializeCoordination(_ context.Context, log zerolog.Logger) error {
	cc := a.cfg.Coordination
	switch cc.Backend {
	case config.BackendFile:
		store, err := coordination.LoadFile(cc.RecordFile)
		if err != nil {
			return err
		}
		userID := cc.UserID
		if userID == "" {
			userID, err = store.Snapshot().ParticipantID(a.party.Role)
			if err != nil {
				return fmt.Errorf("resolve user id: %w", err)
			}
		}
		p := store.Party(userID)
		a.client, a.uploader = p, p
		a.log.Info().Str("record_file", cc.RecordFile).Str("user_id", userID).Msg("Using file coordination store")

	default:
		authKey, err := coordination.ReadAuthKey(cc.AuthKeyFile)
		if err != nil {
			return err
		}
		c, err := coordination.NewHTTPClient(cc.APIURL, cc.StudyID, authKey,
			&http.Client{Timeout: cc.RequestTimeout}, log)
		if err != nil {
			return fmt.Errorf("failed to create coordination client: %w", err)
		}
		a.client, a.uploader = c, c
	}
	return nil
}

// initializePipeline builds the supervisor, relay, barrier and pipeline
func (a *App) initializePipeline(log zerolog.Logger) error {
	proto, err := pipeline.Lookup(a.cfg.Party.Protocol)
	if err != nil {
		return err
	}
	metricsOn := a.cfg.Metrics.Enabled

	supCfg := supervisor.DefaultConfig(log)
	supCfg.Timeout = a.cfg.Supervisor.Timeout
	supCfg.MilestoneTimeout = a.cfg.Supervisor.MilestoneTimeout
	supCfg.OnProgress = pipeline.TaskMirror(a.client, a.log)
	supCfg.OnTerminate = func(cmd supervisor.Command, pid int) {
		a.log.Warn().Int("pid", pid).Strs("argv", cmd.Argv).Msg("Terminating protocol process")
	}
	if metricsOn {
		supCfg.Metrics = supervisor.NewMetrics()
	}

	relayCfg := relay.DefaultConfig(log)
	relayCfg.Enabled = a.cfg.Relay.Enabled
	relayCfg.Binary = a.cfg.Relay.Binary
	relayCfg.APIURL = a.cfg.Relay.APIURL
	relayCfg.AuthKeyFile = a.cfg.Coordination.AuthKeyFile
	relayCfg.MPCConfigPattern = a.cfg.Relay.MPCConfig
	relayCfg.ProxyPort = a.cfg.Relay.ProxyPort
	relayCfg.ProxychainsBinary = a.cfg.Relay.ProxychainsBinary
	relayCfg.ProxychainsTemplate = a.cfg.Relay.ProxychainsTemplate
	relayCfg.WorkDir = a.cfg.Paths.SfkitDir
	relayCfg.StartupGrace = a.cfg.Relay.StartupGrace
	if metricsOn {
		relayCfg.Metrics = relay.NewMetrics()
	}
	a.relays = relay.NewManager(relayCfg, a.client)
	a.shutdownFns = append(a.shutdownFns, func() error {
		a.relays.Shutdown()
		return nil
	})

	pipeCfg := pipeline.DefaultConfig(log)
	pipeCfg.Party = a.party
	pipeCfg.Protocol = proto
	pipeCfg.ExecutablesPrefix = a.cfg.Paths.ExecutablesPrefix
	pipeCfg.SfkitDir = a.cfg.Paths.SfkitDir
	pipeCfg.SettleDelay = a.cfg.Pipeline.SettleDelay
	pipeCfg.IPPollInterval = a.cfg.Coordination.IPPollInterval
	pipeCfg.Client = a.client
	pipeCfg.Uploader = a.uploader
	pipeCfg.Relay = a.relays
	pipeCfg.Supervisor = supervisor.New(supCfg)
	if !a.party.Demo {
		barCfg := barrier.DefaultConfig(log)
		barCfg.PollInterval = a.cfg.Coordination.PollInterval
		if metricsOn {
			barCfg.Metrics = barrier.NewMetrics()
		}
		pipeCfg.Barrier = barrier.New(barCfg, a.client)
	}
	if metricsOn {
		pipeCfg.Metrics = pipeline.NewMetrics()
	}

	p, err := pipeline.New(pipeCfg)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	a.pipeline = p

	a.log.Info().
		Str("run_id", p.Status().RunID).
		Str("protocol", proto.Name).
		Str("party", a.party.String()).
		Str("workdir", filepath.Join(a.cfg.Paths.ExecutablesPrefix, proto.Dir)).
		Msg("Pipeline initialized")
	return nil
}

// initializeAPIServer sets up the local status API
func (a *App) initializeAPIServer(log zerolog.Logger) {
	if !a.cfg.API.Enabled {
		return
	}
	apiCfg := apisrv.Config{
		ListenAddr:        a.cfg.API.ListenAddr,
		ReadHeaderTimeout: a.cfg.API.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.API.ReadTimeout,
		WriteTimeout:      a.cfg.API.WriteTimeout,
		IdleTimeout:       a.cfg.API.IdleTimeout,
		MaxHeaderBytes:    a.cfg.API.MaxHeaderBytes,
	}
	s := apisrv.NewServer(apiCfg, log)
	s.Use(apimw.Recover(a.log))
	s.Use(apimw.RequestID())
	s.Use(apimw.Logger(a.log))
	s.EnableCompression()
	if a.cfg.API.CORS {
		s.EnableCORS()
	}

	var gatherer prometheus.Gatherer
	if a.cfg.Metrics.Enabled {
		gatherer = metrics.GetRegistry()
	}
	apisrv.NewStatusHandler(a.pipeline, gatherer, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	}).RegisterMux(s.Router)

	a.apiServer = s
}

// initializeReporter logs the run state periodically
func (a *App) initializeReporter(log zerolog.Logger) error {
	cfg := reporter.DefaultConfig(log)
	cfg.Handler = a.reportStatus
	r, err := reporter.New(cfg)
	if err != nil {
		return err
	}
	a.reporter = r
	return nil
}

func (a *App) reportStatus(_ context.Context, tick reporter.Tick) error {
	st := a.pipeline.Status()
	evt := a.log.Info().
		Str("run_id", st.RunID).
		Str("stage", st.Stage.String()).
		Dur("uptime", tick.Elapsed)
	if !st.StageStartedAt.IsZero() {
		evt = evt.Dur("stage_elapsed", time.Since(st.StageStartedAt))
	}
	evt.Msg("Party status")
	return nil
}

// Run executes the pipeline with the status API alongside and blocks until
// the run finishes or a shutdown signal arrives.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.shutdown()

	g, gctx := errgroup.WithContext(runCtx)

	if err := a.reporter.Start(gctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = a.reporter.Stop(stopCtx)
	}()

	if a.apiServer != nil {
		g.Go(func() error {
			// The status API is auxiliary; its failure must not abort the run.
			if err := a.apiServer.Start(gctx); err != nil {
				a.log.Error().Err(err).Msg("Status API error")
			}
			return nil
		})
	}

	g.Go(func() error {
		defer cancel()
		return a.pipeline.Run(gctx)
	})

	g.Go(func() error {
		return a.waitForSignal(gctx)
	})

	err := g.Wait()
	st := a.pipeline.Status()
	if err != nil {
		a.log.Error().Err(err).Str("stage", st.Stage.String()).Msg("Protocol run failed")
		return err
	}
	a.log.Info().Str("run_id", st.RunID).Msg("Protocol run complete")
	return nil
}

// waitForSignal tears down relays on SIGINT/SIGTERM so no relay outlives the
// process, then aborts the run.
func (a *App) waitForSignal(ctx context.Context) error {
	sigCh := a.signals
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case <-ctx.Done():
		return nil
	case sig := <-sigCh:
		a.log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		a.relays.Shutdown()
		return ErrInterrupted
	}
}

// shutdown runs the registered shutdown functions
func (a *App) shutdown() {
	for _, fn := range a.shutdownFns {
		if err := fn(); err != nil {
			a.log.Error().Err(err).Msg("Shutdown function error")
		}
	}
	a.log.Info().Msg("Shutdown complete")
}
