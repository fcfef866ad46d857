// Package orchestrator drives merge cycles: discover, load the staged batch,
// merge it into the table and, once committed, record the cycle in the ledger
// and release its staged objects. At most one cycle runs at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cdcsnap/internal/alert"
	"cdcsnap/internal/catalog"
	"cdcsnap/internal/loader"
	"cdcsnap/internal/manifest"
	"cdcsnap/internal/merge"
	"cdcsnap/internal/metrics"
	"cdcsnap/internal/snapshot"
	"cdcsnap/internal/staging"
	"cdcsnap/internal/table"
)

var (
	// ErrDiscoveryFailure is wrapped when the catalog step fails; no merge is attempted.
	ErrDiscoveryFailure = errors.New("discovery failure")
	// ErrPartialBatchRead is wrapped when the staged batch cannot be read in full.
	ErrPartialBatchRead = loader.ErrPartialBatchRead
	// ErrMergeCommitFailure is wrapped when the merge did not land; the table is unchanged.
	ErrMergeCommitFailure = errors.New("merge commit failure")
	// ErrCycleInProgress is returned when a cycle is requested while another runs.
	ErrCycleInProgress = errors.New("cycle already in progress")
)

type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateLoading
	StateMerging
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDiscovering:
		return "DISCOVERING"
	case StateLoading:
		return "LOADING"
	case StateMerging:
		return "MERGING"
	case StateCommitted:
		return "COMMITTED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// BatchLoader reads the uncommitted staged batch.
type BatchLoader interface {
	Load(ctx context.Context, committed map[string]bool) (loader.Batch, error)
}

// Ledger records committed cycles and reports which staged objects they consumed.
type Ledger interface {
	manifest.Publisher
	manifest.Reader
	Committed() (map[string]bool, error)
}

type Config struct {
	// Interval between scheduled cycles.
	Interval time.Duration
	// CycleTimeout bounds discovery and loading. Zero means no bound.
	CycleTimeout time.Duration
	// RunOnStart runs a cycle as soon as Run is called.
	RunOnStart bool
	Retention  staging.Retention
	// SnapshotEvery writes a table snapshot after every N commits; 0 disables.
	SnapshotEvery int
}

func DefaultConfig() Config {
	return Config{Interval: 15 * time.Minute, Retention: staging.RetainArchive}
}

// Deps are the collaborators of an Orchestrator. Publisher, Snapshotter,
// Metrics and Logger are optional. Ledger is the commit record; Publisher only
// mirrors it, so a Publisher failure is logged and never holds back release.
type Deps struct {
	Discoverer  catalog.Discoverer
	Store       staging.Store
	Loader      BatchLoader
	Engine      *merge.Engine
	Table       table.Table
	Ledger      Ledger
	Publisher   manifest.Publisher
	Snapshotter snapshot.Snapshotter
	Alerts      alert.Sink
	Metrics     *metrics.Registry
	Logger      logrus.FieldLogger
}

// Report describes one finished cycle. FailedIn is the state the cycle was
// in when it failed.
type Report struct {
	CycleID    string
	State      State
	FailedIn   State
	Objects    []string
	Result     merge.Result
	SnapshotID string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

type Orchestrator struct {
	cfg  Config
	deps Deps

	running atomic.Bool
	state   atomic.Int32
	trigger chan struct{}

	// guarded by running
	commits        int
	lastSnapshotID string
	ledgerRead     bool

	mu   sync.Mutex
	last Report

	now   func() time.Time
	newID func() string
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Retention == "" {
		cfg.Retention = staging.RetainArchive
	}
	if deps.Engine == nil {
		deps.Engine = merge.NewEngine(merge.DefaultOptions())
	}
	if deps.Loader == nil && deps.Store != nil {
		deps.Loader = loader.New(deps.Store)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.NewLogSink(deps.Logger)
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		trigger: make(chan struct{}, 1),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// State returns the state of the running cycle, or IDLE.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// LastReport returns the report of the most recent finished cycle.
func (o *Orchestrator) LastReport() Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Trigger requests a cycle from Run outside the regular schedule. Requests
// made while one is already pending are coalesced.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Run drives cycles on the configured interval until ctx is done. Cycle
// failures are reported and never stop the loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	t := time.NewTicker(o.cfg.Interval)
	defer t.Stop()
	o.deps.Logger.WithField("interval", o.cfg.Interval).Info("orchestrator started")
	if o.cfg.RunOnStart {
		o.RunCycle(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			o.deps.Logger.Info("orchestrator stopped")
			return ctx.Err()
		case <-t.C:
		case <-o.trigger:
		}
		o.RunCycle(ctx)
	}
}

// RunCycle runs one cycle to COMMITTED or FAILED. If another cycle is active
// it returns at once with ErrCycleInProgress and the state IDLE.
func (o *Orchestrator) RunCycle(ctx context.Context) Report {
	if !o.running.CompareAndSwap(false, true) {
		return Report{State: StateIdle, Err: ErrCycleInProgress}
	}
	defer o.running.Store(false)
	defer o.state.Store(int32(StateIdle))

	rep := Report{CycleID: o.newID(), StartedAt: o.now()}
	log := o.deps.Logger.WithField("cycle", rep.CycleID)
	rep = o.cycle(ctx, rep, log)
	rep.FinishedAt = o.now()

	o.deps.Metrics.Cycles.WithLabelValues(rep.State.String()).Inc()
	o.deps.Metrics.CycleSec.Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())
	if rep.State == StateFailed {
		log.WithError(rep.Err).WithField("state", rep.FailedIn.String()).Error("cycle failed")
		o.notify(ctx, log, alert.Event{
			Kind:    alert.KindCycleFailed,
			CycleID: rep.CycleID,
			State:   rep.FailedIn.String(),
			Reason:  rep.Err.Error(),
			At:      rep.FinishedAt,
		})
	} else {
		log.WithFields(logrus.Fields{
			"objects":  len(rep.Objects),
			"records":  rep.Result.Records,
			"inserted": rep.Result.Inserted,
			"updated":  rep.Result.Updated,
			"deleted":  rep.Result.Deleted,
			"skipped":  rep.Result.Skipped,
		}).Info("cycle committed")
	}

	o.mu.Lock()
	o.last = rep
	o.mu.Unlock()
	return rep
}

func (o *Orchestrator) enter(s State, log logrus.FieldLogger) {
	o.state.Store(int32(s))
	log.WithField("state", s.String()).Debug("cycle state")
}

func (o *Orchestrator) fail(rep Report, in State, err error) Report {
	rep.State = StateFailed
	rep.FailedIn = in
	rep.Err = err
	return rep
}

func (o *Orchestrator) cycle(ctx context.Context, rep Report, log logrus.FieldLogger) Report {
	prepCtx := ctx
	if o.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		prepCtx, cancel = context.WithTimeout(ctx, o.cfg.CycleTimeout)
		defer cancel()
	}

	o.enter(StateDiscovering, log)
	if err := o.deps.Discoverer.Discover(prepCtx); err != nil {
		return o.fail(rep, StateDiscovering, fmt.Errorf("%w: %v", ErrDiscoveryFailure, err))
	}
	if !o.ledgerRead {
		if err := o.readLedger(prepCtx); err != nil {
			return o.fail(rep, StateDiscovering, fmt.Errorf("%w: %v", ErrDiscoveryFailure, err))
		}
	}

	o.enter(StateLoading, log)
	committed, err := o.deps.Ledger.Committed()
	if err != nil {
		return o.fail(rep, StateLoading, fmt.Errorf("%w: read ledger: %v", ErrPartialBatchRead, err))
	}
	batch, err := o.deps.Loader.Load(prepCtx, committed)
	if err != nil {
		if !errors.Is(err, ErrPartialBatchRead) {
			err = fmt.Errorf("%w: %v", ErrPartialBatchRead, err)
		}
		return o.fail(rep, StateLoading, err)
	}
	if err := prepCtx.Err(); err != nil {
		return o.fail(rep, StateLoading, fmt.Errorf("cycle deadline before merge: %w", err))
	}
	rep.Objects = batch.Objects
	log.WithFields(logrus.Fields{"objects": len(batch.Objects), "records": len(batch.Records)}).Debug("batch loaded")

	// The merge is never cancelled part way; it either commits or fails whole.
	o.enter(StateMerging, log)
	res, err := o.deps.Engine.Merge(context.WithoutCancel(ctx), o.deps.Table, batch.Records)
	if err != nil {
		return o.fail(rep, StateMerging, fmt.Errorf("%w: %w", ErrMergeCommitFailure, err))
	}
	o.enter(StateCommitted, log)
	rep.State = StateCommitted
	rep.Result = res
	o.deps.Metrics.ObserveMerge(res)
	o.deps.Metrics.LastCommit.Set(float64(o.now().Unix()))

	if len(batch.Objects) > 0 {
		o.commits++
		rep.SnapshotID = o.afterCommit(ctx, rep, committed, log)
	} else {
		rep.SnapshotID = o.lastSnapshotID
	}
	return rep
}

// readLedger picks up the snapshot ID recorded by a previous process.
func (o *Orchestrator) readLedger(ctx context.Context) error {
	latest, err := o.deps.Ledger.ReadLatest(ctx)
	switch {
	case errors.Is(err, manifest.ErrNoManifest):
	case err != nil:
		return fmt.Errorf("read ledger: %w", err)
	default:
		o.lastSnapshotID = latest.SnapshotID
	}
	o.ledgerRead = true
	return nil
}

// afterCommit snapshots, records the cycle and releases staged objects. Its
// failures are alerted but do not undo the commit: objects that are not
// recorded stay pending and merge again as a no-op.
func (o *Orchestrator) afterCommit(ctx context.Context, rep Report, committed map[string]bool, log logrus.FieldLogger) string {
	postFail := func(what string, err error) {
		log.WithError(err).Errorf("post-commit %s failed", what)
		o.notify(ctx, log, alert.Event{
			Kind:    alert.KindPostCommit,
			CycleID: rep.CycleID,
			State:   StateCommitted.String(),
			Reason:  fmt.Sprintf("%s: %v", what, err),
			Result:  &rep.Result,
			At:      o.now(),
		})
	}

	if o.deps.Snapshotter != nil && o.cfg.SnapshotEvery > 0 && o.commits%o.cfg.SnapshotEvery == 0 {
		if err := o.deps.Snapshotter.WriteSnapshot(rep.CycleID, o.deps.Table); err != nil {
			postFail("snapshot", err)
		} else {
			o.lastSnapshotID = rep.CycleID
			log.WithField("snapshot", rep.CycleID).Info("snapshot written")
		}
	}

	man := manifest.CycleManifest{
		CycleID:     rep.CycleID,
		Objects:     rep.Objects,
		Result:      rep.Result,
		SnapshotID:  o.lastSnapshotID,
		CommittedAt: o.now().UTC(),
	}
	if err := o.deps.Ledger.Publish(ctx, man); err != nil {
		postFail("ledger publish", err)
		return o.lastSnapshotID
	}
	if o.deps.Publisher != nil {
		if err := o.deps.Publisher.Publish(ctx, man); err != nil {
			log.WithError(err).Warn("manifest publish failed")
		}
	}

	release := append([]string(nil), rep.Objects...)
	if o.cfg.Retention != staging.RetainKeep {
		// objects committed earlier whose release failed
		pending, err := o.deps.Store.List(ctx, staging.PendingPrefix)
		if err == nil {
			for _, name := range pending {
				if committed[name] {
					release = append(release, name)
				}
			}
		}
	}
	if err := staging.Release(ctx, o.deps.Store, o.cfg.Retention, release); err != nil {
		postFail("retention", err)
	}
	return o.lastSnapshotID
}

func (o *Orchestrator) notify(ctx context.Context, log logrus.FieldLogger, e alert.Event) {
	if err := o.deps.Alerts.Notify(context.WithoutCancel(ctx), e); err != nil {
		log.WithError(err).Warn("alert delivery failed")
	}
}
