package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sfkit/orchestrator/x/coordination"
	"github.com/sfkit/orchestrator/x/relay"
	"github.com/sfkit/orchestrator/x/supervisor"
)

const reportTimeout = 10 * time.Second

// Status is a snapshot of a pipeline run.
type Status struct {
	RunID            string    `json:"run_id"`
	Protocol         string    `json:"protocol"`
	Role             int       `json:"role"`
	Demo             bool      `json:"demo"`
	Stage            Stage     `json:"stage"`
	StartedAt        time.Time `json:"started_at"`
	StageStartedAt   time.Time `json:"stage_started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Error            string    `json:"error,omitempty"`
	PostProcessError string    `json:"post_process_error,omitempty"`
}

// Pipeline drives one party through a protocol run:
// ResolveParameters, Sync, DataSharing, Compute, PostProcess.
// Demo runs skip the first two stages. A Pipeline runs once.
type Pipeline struct {
	cfg Config
	log zerolog.Logger

	mu      sync.RWMutex
	started bool
	status  Status
}

// New validates the config and returns a pipeline ready to Run.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Protocol.Validate(); err != nil {
		return nil, err
	}
	if cfg.Client == nil || cfg.Supervisor == nil || cfg.Relay == nil {
		return nil, errors.New("pipeline: client, supervisor and relay are required")
	}
	if !cfg.Party.Demo && cfg.Barrier == nil {
		return nil, errors.New("pipeline: barrier is required outside demo mode")
	}
	if cfg.Party.Role < 0 || cfg.Party.Role >= cfg.Protocol.Parties {
		return nil, fmt.Errorf("pipeline: role %d out of range for %s", cfg.Party.Role, cfg.Protocol.Name)
	}
	if cfg.Runner == nil {
		cfg.Runner = NewExecRunner(cfg.Logger)
	}
	if cfg.NumCPU == nil || cfg.Sleep == nil || cfg.Now == nil {
		def := DefaultConfig(cfg.Logger)
		if cfg.NumCPU == nil {
			cfg.NumCPU = def.NumCPU
		}
		if cfg.Sleep == nil {
			cfg.Sleep = def.Sleep
		}
		if cfg.Now == nil {
			cfg.Now = def.Now
		}
	}

	runID := uuid.NewString()
	return &Pipeline{
		cfg: cfg,
		log: cfg.Logger.With().
			Str("run_id", runID).
			Str("protocol", cfg.Protocol.Name).
			Int("role", cfg.Party.Role).
			Bool("demo", cfg.Party.Demo).
			Logger(),
		status: Status{
			RunID:    runID,
			Protocol: cfg.Protocol.Name,
			Role:     cfg.Party.Role,
			Demo:     cfg.Party.Demo,
			Stage:    StagePending,
		},
	}, nil
}

// Status returns the current run state.
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Run executes every stage for this party. A failed stage publishes a failure
// status and aborts; PostProcess failures are reported without failing the run.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("pipeline: already run")
	}
	p.started = true
	p.status.StartedAt = p.cfg.Now()
	p.mu.Unlock()

	p.log.Info().Msg("Starting protocol pipeline")

	proto := p.cfg.Protocol
	if !p.cfg.Party.Demo {
		if err := p.runStage(ctx, StageResolveParameters, "Failed to resolve protocol parameters", p.resolveParameters); err != nil {
			return err
		}
		if err := p.runStage(ctx, StageSync, "Failed to sync up machines", p.syncUp); err != nil {
			return err
		}
	}
	if err := p.runStage(ctx, StageDataSharing, proto.DataSharingFail, p.dataSharing); err != nil {
		return err
	}
	if err := p.runStage(ctx, StageCompute, proto.ComputeFail, p.compute); err != nil {
		return err
	}

	if p.cfg.Party.Role == proto.AggregatorRole {
		p.enter(StagePostProcess)
		start := p.cfg.Now()
		err := p.postProcess(ctx)
		p.cfg.Metrics.leave(StagePostProcess, p.cfg.Now().Sub(start).Seconds(), err != nil)
		if err != nil {
			p.log.Error().Err(err).Msg("Post-processing failed")
			p.mu.Lock()
			p.status.PostProcessError = err.Error()
			p.mu.Unlock()
			p.reportTask(ctx, "Failed to evaluate results: "+err.Error())
		}
	}

	if err := p.cfg.Client.Update(ctx, coordination.FieldStatus, coordination.StatusFinished); err != nil {
		p.fail(StageDone, "", err)
		return fmt.Errorf("publish finished status: %w", err)
	}

	p.mu.Lock()
	p.status.Stage = StageDone
	p.status.FinishedAt = p.cfg.Now()
	p.mu.Unlock()
	p.cfg.Metrics.finish("success")
	p.log.Info().Msg("Finished protocol")
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, failMsg string, fn func(context.Context) error) error {
	p.enter(stage)
	start := p.cfg.Now()
	err := fn(ctx)
	p.cfg.Metrics.leave(stage, p.cfg.Now().Sub(start).Seconds(), err != nil)
	if err == nil {
		p.log.Info().Str("stage", stage.String()).Dur("elapsed", p.cfg.Now().Sub(start)).Msg("Stage complete")
		return nil
	}

	msg := failureMessage(failMsg, err)
	p.fail(stage, msg, err)
	p.reportFailure(ctx, msg)
	return &StageError{Stage: stage, Message: msg, Cause: err}
}

func failureMessage(base string, err error) string {
	pf, ok := supervisor.AsFailure(err)
	if !ok || pf.Kind != supervisor.FailureStalled {
		return base
	}
	if pf.Timeout == supervisor.DefaultTimeout {
		return fmt.Sprintf("%s protocol has been stalling for 24 hours. Killing process.", pf.Protocol)
	}
	return fmt.Sprintf("%s protocol produced no output for %s. Killing process.", pf.Protocol, pf.Timeout)
}

func (p *Pipeline) enter(stage Stage) {
	p.mu.Lock()
	p.status.Stage = stage
	p.status.StageStartedAt = p.cfg.Now()
	p.mu.Unlock()
	p.cfg.Metrics.enter(stage)
	p.log.Info().Str("stage", stage.String()).Msg("Entering stage")
}

func (p *Pipeline) fail(stage Stage, msg string, err error) {
	p.mu.Lock()
	p.status.Stage = StageFailed
	p.status.FinishedAt = p.cfg.Now()
	p.status.Error = err.Error()
	p.mu.Unlock()
	p.cfg.Metrics.finish("failure")
	p.log.Error().Err(err).Str("stage", stage.String()).Str("message", msg).Msg("Stage failed")
}

// reportFailure publishes the failure status even when ctx was canceled.
func (p *Pipeline) reportFailure(ctx context.Context, msg string) {
	if msg == "" {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := p.cfg.Client.Update(rctx, coordination.FieldStatus, coordination.StatusFailed+msg); err != nil {
		p.log.Warn().Err(err).Msg("Failed to publish failure status")
	}
}

func (p *Pipeline) reportTask(ctx context.Context, task string) {
	if err := p.cfg.Client.Update(ctx, coordination.FieldTask, task); err != nil {
		p.log.Warn().Err(err).Str("task", task).Msg("Failed to update task")
	}
}

func (p *Pipeline) syncUp(ctx context.Context) error {
	p.reportTask(ctx, SyncTask)
	return p.cfg.Barrier.AwaitStatus(ctx, coordination.StatusSyncingUp)
}

func (p *Pipeline) dataSharing(ctx context.Context) error {
	proto := p.cfg.Protocol
	p.reportTask(ctx, proto.DataSharingTask)

	argv := []string{
		proto.DataSharing,
		p.cfg.Party.RoleString(),
		proto.ParFile(p.cfg.ExecutablesPrefix, p.cfg.Party.Role, p.cfg.Party.Demo),
	}
	if p.cfg.Party.Role == proto.DataHolderRole {
		dataPath, err := p.dataPath()
		if err != nil {
			return err
		}
		argv = append(argv, withTrailingSeparator(dataPath))
	}
	if err := p.supervise(ctx, argv); err != nil {
		return err
	}

	p.log.Info().Dur("delay", p.cfg.SettleDelay).Msg("Data sharing complete, letting peers settle")
	return p.cfg.Sleep(ctx, p.cfg.SettleDelay)
}

func (p *Pipeline) compute(ctx context.Context) error {
	proto := p.cfg.Protocol
	p.reportTask(ctx, proto.ComputeTask)
	if !proto.RunsCompute(p.cfg.Party.Role) {
		p.log.Info().Msg("Role takes no part in local computation")
		return nil
	}
	return p.supervise(ctx, []string{
		proto.Compute,
		p.cfg.Party.RoleString(),
		proto.ParFile(p.cfg.ExecutablesPrefix, p.cfg.Party.Role, p.cfg.Party.Demo),
	})
}

// supervise runs argv from the protocol directory with the relay up.
func (p *Pipeline) supervise(ctx context.Context, argv []string) error {
	return p.cfg.Relay.With(ctx, p.cfg.Party, p.cfg.Protocol.Name, func(ctx context.Context, route relay.Route) error {
		cmd := supervisor.Command{
			Argv:       route.Wrap(argv),
			Dir:        p.cfg.Protocol.WorkDir(p.cfg.ExecutablesPrefix),
			Env:        p.cfg.Protocol.Env,
			Milestones: p.cfg.Protocol.Milestones,
		}
		return p.cfg.Supervisor.Supervise(ctx, cmd, p.cfg.Protocol.Name, p.cfg.Party)
	})
}

func (p *Pipeline) postProcess(ctx context.Context) error {
	proto := p.cfg.Protocol
	dataPath, err := p.dataPath()
	if err != nil {
		return err
	}

	argv := append(append([]string(nil), proto.EvaluateArgv...), dataPath)
	if err := p.cfg.Runner.Run(ctx, supervisor.Command{
		Argv: argv,
		Dir:  filepath.Join(p.cfg.ExecutablesPrefix, proto.EvaluateDir),
	}); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	rec, err := p.cfg.Client.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch record: %w", err)
	}
	if !rec.WantsResults(p.cfg.Party.Role) {
		return nil
	}
	if p.cfg.Uploader == nil {
		return errors.New("results requested but no uploader configured")
	}
	for _, name := range proto.ResultFiles {
		if err := p.upload(ctx, filepath.Join(dataPath, name)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open result: %w", err)
	}
	defer f.Close()
	if err := p.cfg.Uploader.SendFile(ctx, filepath.Base(path), f); err != nil {
		return fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	p.log.Info().Str("file", path).Msg("Result uploaded")
	return nil
}

func withTrailingSeparator(path string) string {
	if strings.HasSuffix(path, string(filepath.Separator)) {
		return path
	}
	return path + string(filepath.Separator)
}

// TaskMirror returns a progress hook that publishes each progress line as the
// party's current task. Failures are logged and otherwise ignored.
func TaskMirror(client coordination.Client, logger zerolog.Logger) supervisor.ProgressHook {
	return func(ctx context.Context, task string) {
		if err := client.Update(ctx, coordination.FieldTask, task); err != nil {
			logger.Warn().Err(err).Str("task", task).Msg("Failed to mirror progress")
		}
	}
}
