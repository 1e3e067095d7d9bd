// Package orchestrator owns the update state machine. It is the only writer
// of the orchestrator state; every other component receives value copies.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/looplab/fsm"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/updater/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/updater/internal/pkg/util/fsm"
	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/pkg/log"
)

// Deps are the collaborators of the orchestrator. Mirror is optional.
type Deps struct {
	Resolver  core.VersionResolver
	Fetcher   core.Fetcher
	Verifier  core.Verifier
	Backups   core.BackupManager
	Installer core.Installer
	Monitor   core.StabilityMonitor
	Configs   core.ConfigStore
	History   core.HistoryStore
	Publisher core.Publisher
	Mirror    core.SnapshotMirror
	Clock     clock.PassiveClock
}

// Options describe the running installation.
type Options struct {
	CurrentVersion string
	Platform       string
	// CheckOnStart runs a version check as soon as Start returns.
	CheckOnStart bool
}

const triggerOperator = "operator"

// descriptorLister is implemented by history stores that can replay the
// descriptors seen by earlier runs.
type descriptorLister interface {
	Descriptors() ([]model.UpdateDescriptor, error)
}

type descriptorGetter interface {
	Descriptor(version string) (model.UpdateDescriptor, error)
}

// Orchestrator drives check, download, verify, install, stabilize and
// rollback. Long-running steps run on tracked goroutines bound to the
// context given to Start.
type Orchestrator struct {
	deps     Deps
	platform string
	opts     Options
	log      log.Logger

	cfgMu sync.Mutex

	mu          sync.Mutex
	state       model.State
	cfg         model.Configuration
	machine     *phaseMachine
	installed   map[string]bool
	incompat    map[string]bool
	rescheduler core.Rescheduler

	ctx context.Context
	wg  sync.WaitGroup
}

// New loads the configuration and returns an idle orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if _, err := semver.ParseTolerant(opts.CurrentVersion); err != nil {
		return nil, fmt.Errorf("current version %q: %w", opts.CurrentVersion, err)
	}

	cfg, err := deps.Configs.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	o := &Orchestrator{
		deps:      deps,
		platform:  opts.Platform,
		opts:      opts,
		log:       log.WithName("orchestrator"),
		cfg:       cfg,
		installed: make(map[string]bool),
		incompat:  make(map[string]bool),
		ctx:       context.Background(),
		state: model.State{
			Phase:          model.PhaseIdle,
			CurrentVersion: opts.CurrentVersion,
			Pending:        []model.UpdateDescriptor{},
		},
	}
	o.machine = newPhaseMachine(o.onPhaseEnter, o.guardRollback)
	return o, nil
}

// SetRescheduler registers the component that owns the time triggers.
func (o *Orchestrator) SetRescheduler(r core.Rescheduler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rescheduler = r
}

// Start binds background work to ctx, derives rollback availability from
// backup storage and replays known descriptors from history.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.ctx = ctx

	snap, err := o.deps.Backups.Latest()
	if err != nil {
		o.log.Warn("Cannot inspect backup storage", "error", err)
	}
	o.state.RollbackAvailable = snap != nil

	if err := o.replayDescriptorsLocked(); err != nil {
		o.log.Warn("Cannot replay update descriptors", "error", err)
	}
	o.refreshAvailableLocked()
	if o.state.AvailableVersion != nil {
		if err := o.machine.fire(EventFound); err != nil {
			return err
		}
	}
	metrics.SetPhase(o.machine.Phase())

	o.log.Info("Orchestrator started",
		"currentVersion", o.state.CurrentVersion,
		"platform", o.platform,
		"rollbackAvailable", o.state.RollbackAvailable,
		"pending", len(o.pendingLocked()))

	if o.opts.CheckOnStart {
		o.goTracked(func(ctx context.Context) {
			if _, err := o.Check(ctx); err != nil {
				o.log.Error(err, "Initial version check failed")
			}
		})
	}
	return nil
}

func (o *Orchestrator) replayDescriptorsLocked() error {
	lister, ok := o.deps.History.(descriptorLister)
	if !ok {
		return nil
	}
	descs, err := lister.Descriptors()
	if err != nil {
		return err
	}

	current, _ := semver.ParseTolerant(o.state.CurrentVersion)
	slices.SortFunc(descs, func(a, b model.UpdateDescriptor) int { return a.DiscoveredAt.Compare(b.DiscoveredAt) })
	for _, d := range descs {
		if d.Installed {
			o.installed[d.Version] = true
			continue
		}
		v, err := semver.ParseTolerant(d.Version)
		if err != nil || !v.GT(current) {
			continue
		}
		o.addPendingLocked(d)
	}
	return nil
}

// Wait blocks until every background pipeline has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Status returns a copy of the current state.
func (o *Orchestrator) Status() model.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// Pending lists the updates that have not been installed yet.
func (o *Orchestrator) Pending() []model.UpdateDescriptor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingLocked()
}

// Changelog returns the changelog of a known version.
func (o *Orchestrator) Changelog(version string) (string, error) {
	o.mu.Lock()
	for _, d := range o.state.Pending {
		if d.Version == version {
			o.mu.Unlock()
			return d.Changelog, nil
		}
	}
	o.mu.Unlock()

	if g, ok := o.deps.History.(descriptorGetter); ok {
		d, err := g.Descriptor(version)
		if err == nil {
			return d.Changelog, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("version %s: %w", version, core.ErrNotFound)
}

// History returns up to limit audit records, newest first.
func (o *Orchestrator) History(limit int) ([]model.HistoryRecord, error) {
	return o.deps.History.List(limit)
}

// Configuration returns the configuration in force.
func (o *Orchestrator) Configuration() model.Configuration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// UpdateConfiguration validates, persists and applies cfg, then rebuilds
// the scheduler triggers. It is the only way the configuration changes.
//
// The triggers being replaced may be inside Check or Sweep, so Reschedule
// runs without o.mu. Concurrent updates are serialized by cfgMu.
func (o *Orchestrator) UpdateConfiguration(cfg model.Configuration) error {
	if err := o.deps.Configs.Validate(cfg); err != nil {
		return err
	}

	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()

	o.mu.Lock()
	if cfg == o.cfg {
		o.mu.Unlock()
		return nil
	}
	if err := o.deps.Configs.Save(cfg); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("save configuration: %w", err)
	}
	o.cfg = cfg
	r := o.rescheduler
	o.mu.Unlock()

	if r != nil {
		if err := r.Reschedule(cfg); err != nil {
			return fmt.Errorf("reschedule: %w", err)
		}
	}

	o.mu.Lock()
	o.emit(o.event(core.EventConfigUpdated, "", "configuration updated"))
	o.mu.Unlock()
	o.log.Info("Configuration updated",
		"pollIntervalHours", cfg.PollIntervalHours,
		"window", cfg.MaintenanceWindow.Start+"-"+cfg.MaintenanceWindow.End,
		"autoInstall", cfg.AutoInstall)
	return nil
}

// Check asks the distribution endpoints for a newer release and returns the
// pending list. While another operation runs it is a no-op. Discovery
// failures are recorded in LastFailure, never returned.
func (o *Orchestrator) Check(ctx context.Context) ([]model.UpdateDescriptor, error) {
	o.mu.Lock()
	phase := o.machine.Phase()
	if phase.Busy() || phase.NeedsOperator() {
		o.log.Debug("Check skipped", "phase", phase)
		metrics.ChecksTotal.WithLabelValues("skipped").Inc()
		defer o.mu.Unlock()
		return o.pendingLocked(), nil
	}
	if err := o.machine.fire(EventCheck); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	current := o.state.CurrentVersion
	o.emit(o.event(core.EventCheckStarted, current, ""))
	o.mu.Unlock()

	d, err := o.deps.Resolver.Check(ctx, current, o.platform)

	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.deps.Clock.Now()
	o.state.LastCheckedAt = &now

	var incompatible *core.IncompatibleUpdateError
	switch {
	case errors.As(err, &incompatible):
		metrics.ChecksTotal.WithLabelValues("incompatible").Inc()
		o.state.LastFailure = o.failure(err, core.KindNetwork)
		if !o.incompat[incompatible.Version] {
			o.incompat[incompatible.Version] = true
			o.emit(o.event(core.EventUpdateIncompatible, incompatible.Version, err.Error()).
				With(core.DataKind, incompatible.Constraint))
		}
		o.log.Info("Update is not compatible with this host", "version", incompatible.Version, "reason", incompatible.Reason)
		o.finishCheckLocked(EventIncompatible)

	case err != nil:
		metrics.ChecksTotal.WithLabelValues("failed").Inc()
		o.state.LastFailure = o.failure(err, core.KindNetwork)
		o.emit(o.event(core.EventCheckFailed, current, err.Error()))
		o.log.Warn("Version check failed", "error", err)
		o.finishCheckLocked(EventNone)

	case d == nil || o.installed[d.Version]:
		metrics.ChecksTotal.WithLabelValues("none").Inc()
		o.clearFailureLocked(core.KindNetwork, core.KindIncompatible)
		o.emit(o.event(core.EventUpdateNone, current, ""))
		o.progress(o.cfg.SilentMode, "No update available", "currentVersion", current)
		o.finishCheckLocked(EventNone)

	default:
		metrics.ChecksTotal.WithLabelValues("available").Inc()
		o.clearFailureLocked(core.KindNetwork, core.KindIncompatible)
		if o.addPendingLocked(*d) {
			if err := o.deps.History.SaveDescriptor(*d); err != nil {
				o.log.Error(err, "Failed to record descriptor", "version", d.Version)
			}
			o.emit(o.event(core.EventUpdateAvailable, d.Version, "").
				With(core.DataFromVersion, current))
			o.log.Info("Update available", "version", d.Version, "currentVersion", current)
		}
		o.finishCheckLocked(EventFound)
		o.autoInstallLocked("check")
	}

	return o.pendingLocked(), nil
}

// finishCheckLocked leaves CHECKING. A check that found nothing new still
// lands in AVAILABLE while earlier updates are pending.
func (o *Orchestrator) finishCheckLocked(event string) {
	o.refreshAvailableLocked()
	if event == EventNone && o.state.AvailableVersion != nil {
		event = EventFound
	}
	if err := o.machine.fire(event); err != nil {
		o.log.Error(err, "Invalid phase transition", "event", event, "phase", o.machine.Phase())
	}
}

// Install starts the pipeline for version, or for the oldest pending update
// when version is empty. It returns once the pipeline is running.
func (o *Orchestrator) Install(ctx context.Context, version string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.admitLocked(); err != nil {
		return err
	}

	var target *model.UpdateDescriptor
	for i := range o.state.Pending {
		d := &o.state.Pending[i]
		if d.Installed {
			continue
		}
		if version == "" || d.Version == version {
			target = d
			break
		}
	}
	if target == nil {
		if version == "" {
			return fmt.Errorf("no pending update: %w", core.ErrNotFound)
		}
		return fmt.Errorf("pending update %s: %w", version, core.ErrNotFound)
	}
	if !o.newerLocked(target.Version) {
		return fmt.Errorf("update %s does not exceed current version %s: %w",
			target.Version, o.state.CurrentVersion, core.ErrNotFound)
	}

	return o.startPipelineLocked(*target, triggerOperator)
}

// MaintenanceWindowOpened installs the oldest pending update when
// auto-install is on.
func (o *Orchestrator) MaintenanceWindowOpened(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.autoInstallLocked("maintenance window")
}

func (o *Orchestrator) autoInstallLocked(trigger string) {
	if !o.cfg.AutoInstall {
		return
	}
	inside, err := o.cfg.MaintenanceWindow.Contains(o.deps.Clock.Now())
	if err != nil {
		o.log.Error(err, "Cannot evaluate maintenance window")
		return
	}
	if !inside {
		o.log.Debug("Outside maintenance window, update stays available", "trigger", trigger)
		return
	}
	if err := o.admitLocked(); err != nil {
		o.log.Debug("Auto-install skipped", "trigger", trigger, "reason", err)
		return
	}
	d, ok := o.state.FirstPending()
	if !ok {
		return
	}
	if !o.newerLocked(d.Version) {
		o.log.Debug("Auto-install skipped", "trigger", trigger, "version", d.Version, "currentVersion", o.state.CurrentVersion)
		return
	}
	if err := o.startPipelineLocked(d, trigger); err != nil {
		o.log.Error(err, "Failed to start unattended install", "version", d.Version)
	}
}

// Rollback restores the newest snapshot. Without one it fails with a
// *core.RollbackError and changes nothing.
func (o *Orchestrator) Rollback(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	phase := o.machine.Phase()
	if phase.Busy() {
		return core.ErrBusy
	}
	if err := o.machine.fire(EventRollback, triggerOperator); err != nil {
		return err
	}

	failed := o.state.CurrentVersion
	o.goTracked(func(ctx context.Context) {
		o.rollback(ctx, failed, "requested by operator")
	})
	return nil
}

// Resolve acknowledges an unstable install or a failed rollback and
// returns the orchestrator to idle.
func (o *Orchestrator) Resolve(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	phase := o.machine.Phase()
	if !phase.NeedsOperator() {
		return fmt.Errorf("phase %s: %w", phase, core.ErrNothingToResolve)
	}
	o.state.Unstable = false
	o.emit(o.event(core.EventOperatorResolved, o.state.CurrentVersion, "resolved from "+string(phase)))
	if err := o.machine.fire(EventResolve); err != nil {
		return err
	}
	o.log.Info("Operator resolved", "from", phase, "currentVersion", o.state.CurrentVersion)
	return nil
}

// Sweep deletes snapshots beyond retention. It is skipped while a pipeline runs.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	o.mu.Lock()
	if o.machine.Phase().Busy() {
		o.mu.Unlock()
		return core.ErrBusy
	}
	retention := time.Duration(o.cfg.BackupRetentionDays) * 24 * time.Hour
	o.mu.Unlock()

	n, err := o.deps.Backups.Sweep(retention)
	if err != nil {
		return fmt.Errorf("sweep snapshots: %w", err)
	}
	if n > 0 {
		o.log.Info("Old snapshots removed", "count", n)
	}

	if gc, ok := o.deps.History.(interface{ RunGC() }); ok {
		gc.RunGC()
	}
	return nil
}

// admitLocked reports whether a new pipeline may start.
func (o *Orchestrator) admitLocked() error {
	phase := o.machine.Phase()
	if phase.Busy() {
		return core.ErrBusy
	}
	if phase.NeedsOperator() {
		return fmt.Errorf("phase %s: %w", phase, core.ErrOperatorRequired)
	}
	return nil
}

// guardRollback refuses an operator rollback when there is nothing to
// restore, so the phase stays where it was. Automatic rollbacks always
// proceed and fail inside ROLLING_BACK instead.
func (o *Orchestrator) guardRollback(_ context.Context, e *fsm.Event) error {
	if fsmutil.Args(e, 0) != triggerOperator {
		return nil
	}
	snap, err := o.deps.Backups.Latest()
	if err != nil {
		return core.NewRollbackError("cannot inspect backups", err)
	}
	if snap == nil {
		o.state.RollbackAvailable = false
		return core.NewRollbackError("no backup available", nil)
	}
	return nil
}

// onPhaseEnter runs inside machine.fire with o.mu held.
func (o *Orchestrator) onPhaseEnter(_ context.Context, event, from, to string) {
	o.state.Phase = model.Phase(to)
	metrics.SetPhase(o.state.Phase)
	o.emit(o.event(core.EventPhaseChanged, o.state.CurrentVersion, from+" -> "+to).
		With("event", event))
	o.log.Debug("Phase changed", "event", event, "from", from, "to", to)
}

// event stamps a new event with the current phase. Callers hold o.mu.
func (o *Orchestrator) event(t core.EventType, version, message string) core.Event {
	return core.NewEvent(t, o.deps.Clock.Now(), o.state.Phase, version, message)
}

func (o *Orchestrator) emit(e core.Event) {
	if o.deps.Publisher != nil {
		o.deps.Publisher.Publish(e)
	}
}

func (o *Orchestrator) addPendingLocked(d model.UpdateDescriptor) bool {
	for _, p := range o.state.Pending {
		if p.Version == d.Version {
			return false
		}
	}
	o.state.Pending = append(o.state.Pending, d)
	return true
}

// newerLocked reports whether version strictly exceeds the current version.
func (o *Orchestrator) newerLocked(version string) bool {
	v, err := semver.ParseTolerant(version)
	if err != nil {
		return false
	}
	current, err := semver.ParseTolerant(o.state.CurrentVersion)
	if err != nil {
		return false
	}
	return v.GT(current)
}

// pruneSupersededLocked drops pending descriptors the current version has
// caught up with. Installed entries stay as history.
func (o *Orchestrator) pruneSupersededLocked() {
	kept := o.state.Pending[:0]
	for _, d := range o.state.Pending {
		if !d.Installed && !o.newerLocked(d.Version) {
			o.log.Info("Pending update superseded", "version", d.Version, "currentVersion", o.state.CurrentVersion)
			continue
		}
		kept = append(kept, d)
	}
	o.state.Pending = kept
	o.refreshAvailableLocked()
}

func (o *Orchestrator) pendingLocked() []model.UpdateDescriptor {
	out := []model.UpdateDescriptor{}
	for _, d := range o.state.Clone().Pending {
		if !d.Installed {
			out = append(out, d)
		}
	}
	return out
}

func (o *Orchestrator) refreshAvailableLocked() {
	if d, ok := o.state.FirstPending(); ok {
		v := d.Version
		o.state.AvailableVersion = &v
		return
	}
	o.state.AvailableVersion = nil
}

// failure records err under its taxonomy kind, or fallback for errors
// outside the taxonomy.
func (o *Orchestrator) failure(err error, fallback string) *model.Failure {
	kind := core.KindOf(err)
	if kind == "" {
		kind = fallback
	}
	return &model.Failure{Kind: kind, Reason: err.Error(), At: o.deps.Clock.Now()}
}

func (o *Orchestrator) clearFailureLocked(kinds ...string) {
	if o.state.LastFailure != nil && slices.Contains(kinds, o.state.LastFailure.Kind) {
		o.state.LastFailure = nil
	}
}

// progress logs pipeline progress at info, or at debug in silent mode.
func (o *Orchestrator) progress(silent bool, msg string, keysAndValues ...any) {
	if silent {
		o.log.Debug(msg, keysAndValues...)
		return
	}
	o.log.Info(msg, keysAndValues...)
}

func (o *Orchestrator) goTracked(fn func(ctx context.Context)) {
	ctx := o.ctx
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(ctx)
	}()
}
