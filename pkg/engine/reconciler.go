package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configures a Reconciler.
type Options struct {
	Loader     PluginLoader
	Backend    StateBackend
	Resolver   Resolver
	Prompter   Prompter
	Reporter   Reporter
	Recorder   RunRecorder
	Validators []DetectionValidator
	Logger     zerolog.Logger

	// PingInterval is how often a pending ping logs that it is still waiting.
	PingInterval time.Duration
}

// Reconciler orchestrates plan, apply, destroy, ping and validate.
type Reconciler struct {
	loader     PluginLoader
	backend    StateBackend
	resolver   Resolver
	prompter   Prompter
	reporter   Reporter
	recorder   RunRecorder
	validators []DetectionValidator
	planner    *Planner
	executor   *Executor
	logger     zerolog.Logger

	pingInterval time.Duration
}

// NewReconciler creates a reconciler. Loader, Backend and Resolver are required.
func NewReconciler(opts Options) (*Reconciler, error) {
	if opts.Loader == nil {
		return nil, ConfigurationError("plugin loader is required", nil)
	}
	if opts.Backend == nil {
		return nil, ConfigurationError("state backend is required", nil)
	}
	if opts.Resolver == nil {
		return nil, ConfigurationError("resolver is required", nil)
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 10 * time.Second
	}

	logger := opts.Logger.With().Str("component", "reconciler").Logger()
	return &Reconciler{
		loader:       opts.Loader,
		backend:      opts.Backend,
		resolver:     opts.Resolver,
		prompter:     opts.Prompter,
		reporter:     opts.Reporter,
		recorder:     opts.Recorder,
		validators:   opts.Validators,
		planner:      NewPlanner(opts.Loader, opts.Logger),
		executor:     NewExecutor(opts.Loader, opts.Reporter, opts.Logger),
		logger:       logger,
		pingInterval: opts.PingInterval,
	}, nil
}

// PlanOptions controls Plan.
type PlanOptions struct {
	// StateOnly skips the live refresh and diffs against the cached state.
	StateOnly bool

	// Verbose renders content diffs for updated rules.
	Verbose bool
}

// Plan computes the diff for the scope without mutating anything remote or
// persisted.
func (r *Reconciler) Plan(ctx context.Context, identifier string, opts PlanOptions) (*Diff, error) {
	detections, err := r.desired(identifier)
	if err != nil {
		return nil, err
	}

	exists, state, err := r.backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !exists && opts.StateOnly {
		return nil, StateIOError("state missing, cannot determine changes", nil)
	}

	if !opts.StateOnly {
		if err := r.planner.Refresh(ctx, detections, state); err != nil {
			return nil, err
		}
	}

	diff, err := ComputeDiff(detections, state)
	if err != nil {
		return nil, err
	}

	if diff.Empty() {
		r.logger.Info().Msg("no changes detected.")
		return diff, nil
	}
	if r.reporter != nil {
		if err := r.reporter.ReportDiff(diff, state, opts.Verbose); err != nil {
			return nil, err
		}
	}
	return diff, nil
}

// Apply reconciles remote services with the desired detections of the scope.
// The state lock is held from before the load until every exit path has
// returned; a declined confirmation releases it without saving.
func (r *Reconciler) Apply(ctx context.Context, identifier string, autoApprove bool) (err error) {
	detections, err := r.desired(identifier)
	if err != nil {
		return err
	}

	run := r.newRun("apply", identifier)
	defer func() { r.finish(ctx, run, err) }()

	token, err := r.backend.Lock(ctx)
	if err != nil {
		return err
	}
	defer r.unlock(ctx, token, &err)

	_, state, err := r.backend.Load(ctx)
	if err != nil {
		return err
	}
	run.transition(PhaseLoaded)

	if err := r.planner.Refresh(ctx, detections, state); err != nil {
		return err
	}
	run.transition(PhaseRefreshed)

	diff, err := ComputeDiff(detections, state)
	if err != nil {
		return err
	}
	run.transition(PhaseDiffed)

	if diff.Empty() {
		r.logger.Info().Msg("no changes detected.")
		run.status = RunStatusNoChanges
		return r.save(ctx, run, state)
	}

	if !autoApprove {
		approved, err := r.confirm(ctx, run, diff, state)
		if err != nil {
			return err
		}
		if !approved {
			// In-memory refresh results are discarded on decline.
			run.transition(PhaseAborted)
			run.status = RunStatusAborted
			return ErrUserAbort
		}
	}

	run.transition(PhaseMutating)
	run.outcomes = r.executor.Execute(ctx, diff)
	succeeded, failed := ApplyOutcomes(state, run.outcomes)
	run.status = statusFor(succeeded, failed)
	if failed > 0 {
		r.logger.Warn().Int("succeeded", succeeded).Int("failed", failed).Msg("Some changes could not be applied")
	}

	return r.save(ctx, run, state)
}

// Destroy removes every tracked rule of the scope from its remote service,
// regardless of the local desired detections. Rules already gone remotely
// count as removed. A declined confirmation still persists the refresh.
func (r *Reconciler) Destroy(ctx context.Context, identifier string, autoApprove bool) (err error) {
	services, err := r.resolver.ResolveServices(identifier)
	if err != nil {
		return err
	}

	run := r.newRun("destroy", identifier)
	defer func() { r.finish(ctx, run, err) }()

	token, err := r.backend.Lock(ctx)
	if err != nil {
		return err
	}
	defer r.unlock(ctx, token, &err)

	_, state, err := r.backend.Load(ctx)
	if err != nil {
		return err
	}
	run.transition(PhaseLoaded)

	diff := &Diff{}
	for _, svc := range services {
		tracked, ok := state.TakeSerializedDetections(svc.Name)
		if !ok {
			continue
		}
		if !r.loader.Exists(svc.Plugin) {
			r.logger.Warn().Msgf("folder `%s/%s` has no plugin associated.", r.resolver.Workspace(), svc.Plugin)
			continue
		}
		sd := &ServiceDiff{Plugin: svc.Plugin, Service: svc.Name, Settings: svc.Settings}
		for _, path := range sortedKeys(tracked) {
			sd.ToRemove = append(sd.ToRemove, RuleChange{Path: path, Content: tracked[path]})
		}
		diff.Services = append(diff.Services, sd)
	}

	synced, err := r.planner.RefreshRemovals(ctx, diff)
	if err != nil {
		return err
	}
	state.MergeSynced(synced)
	diff = pruneGone(diff, synced)
	run.transition(PhaseRefreshed)
	run.transition(PhaseDiffed)

	if diff.Empty() {
		r.logger.Info().Msg("no changes detected.")
		run.status = RunStatusNoChanges
		return r.save(ctx, run, state)
	}

	if !autoApprove {
		approved, err := r.confirm(ctx, run, diff, state)
		if err != nil {
			return err
		}
		if !approved {
			// The refresh already observed remote truth; keep it.
			run.status = RunStatusAborted
			if err := r.save(ctx, run, state); err != nil {
				return err
			}
			run.transition(PhaseAborted)
			return ErrUserAbort
		}
	}

	run.transition(PhaseMutating)
	run.outcomes = r.executor.Execute(ctx, diff)
	succeeded, failed := ApplyOutcomes(state, run.outcomes)
	run.status = statusFor(succeeded, failed)
	if failed > 0 {
		r.logger.Warn().Int("succeeded", succeeded).Int("failed", failed).Msg("Some rules could not be removed")
	}

	return r.save(ctx, run, state)
}

// desired resolves the scope and drops plugins that have no binary.
func (r *Reconciler) desired(identifier string) (Detections, error) {
	detections, err := r.resolver.Detections(identifier)
	if err != nil {
		return nil, err
	}
	if len(detections) == 0 {
		return nil, ConfigurationError("nothing to apply, no detection found.", nil)
	}

	for _, name := range detections.Plugins() {
		if !r.loader.Exists(name) {
			r.logger.Warn().
				Str("code", ErrCodePluginMissing).
				Msgf("ignoring '%s/%s' (no matching plugin).", r.resolver.Workspace(), name)
			delete(detections, name)
		}
	}
	return detections, nil
}

func (r *Reconciler) confirm(ctx context.Context, run *runTracker, diff *Diff, state *State) (bool, error) {
	if r.reporter != nil {
		if err := r.reporter.ReportDiff(diff, state, true); err != nil {
			return false, err
		}
	}
	if r.prompter == nil {
		return false, ConfigurationError("confirmation required but no prompter available, use --auto-approve", nil)
	}

	run.transition(PhaseAwaitingApproval)
	ok, err := r.prompter.Confirm(ctx, "Apply these changes?")
	if err != nil {
		return false, err
	}
	if ok {
		run.transition(PhaseApproved)
	} else {
		run.transition(PhaseDeclined)
	}
	return ok, nil
}

func (r *Reconciler) save(ctx context.Context, run *runTracker, state *State) error {
	if err := r.backend.Save(ctx, state); err != nil {
		return err
	}
	run.serial = state.Serial
	run.transition(PhaseSaved)
	return nil
}

// unlock always runs, even when ctx was cancelled mid-run.
func (r *Reconciler) unlock(ctx context.Context, token *LockToken, errp *error) {
	if err := r.backend.Unlock(context.WithoutCancel(ctx), token); err != nil {
		if *errp == nil {
			*errp = err
			return
		}
		r.logger.Warn().Err(err).Msg("Failed to release state lock")
	}
}

// runTracker follows one apply or destroy run through its phases.
type runTracker struct {
	id       string
	command  string
	scope    string
	phase    Phase
	status   RunStatus
	serial   uint64
	started  time.Time
	outcomes []RuleOutcome
	logger   zerolog.Logger
}

func (r *Reconciler) newRun(command, scope string) *runTracker {
	id := uuid.New().String()
	return &runTracker{
		id:      id,
		command: command,
		scope:   scope,
		phase:   PhaseIdle,
		started: time.Now(),
		logger:  r.logger.With().Str("run_id", id).Str("command", command).Logger(),
	}
}

func (t *runTracker) transition(to Phase) {
	t.logger.Debug().Str("from", string(t.phase)).Str("to", string(to)).Msg("Run phase changed")
	t.phase = to
}

// finish records the run in the history store. Recording failures are logged
// only; they never change the outcome of the run.
func (r *Reconciler) finish(ctx context.Context, run *runTracker, runErr error) {
	if r.recorder == nil {
		return
	}
	status := run.status
	if runErr != nil && !errors.Is(runErr, ErrUserAbort) {
		status = RunStatusFailed
	}
	if status == "" {
		status = RunStatusFailed
	}

	rec := &RunRecord{
		ID:          run.id,
		Command:     run.command,
		Scope:       run.scope,
		Status:      status,
		Serial:      run.serial,
		StartedAt:   run.started,
		CompletedAt: time.Now(),
		Outcomes:    run.outcomes,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := r.recorder.RecordRun(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn().Err(err).Str("run_id", run.id).Msg("Failed to record run history")
	}
}

func statusFor(succeeded, failed int) RunStatus {
	switch {
	case failed == 0:
		return RunStatusSucceeded
	case succeeded == 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

// pruneGone drops removals whose refresh showed the rule no longer exists.
func pruneGone(diff *Diff, synced SyncedRules) *Diff {
	out := &Diff{}
	for _, sd := range diff.Services {
		kept := &ServiceDiff{Plugin: sd.Plugin, Service: sd.Service, Settings: sd.Settings}
		for _, rc := range sd.ToRemove {
			if v, ok := synced[sd.Service][rc.Path]; ok && isNull(v) {
				continue
			}
			if v, ok := synced[sd.Service][rc.Path]; ok {
				rc.Content = v
			}
			kept.ToRemove = append(kept.ToRemove, rc)
		}
		if !kept.Empty() {
			out.Services = append(out.Services, kept)
		}
	}
	return out
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
