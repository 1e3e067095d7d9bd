package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
)

func TestCheckFindsUpdateOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)

	for i := 0; i < 3; i++ {
		pending, err := h.o.Check(context.Background())
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "2.1.0", pending[0].Version)
		assert.False(t, pending[0].Installed)
	}

	assert.Equal(t, 1, h.events.Count(core.EventUpdateAvailable))
	st := h.o.Status()
	assert.Equal(t, model.PhaseAvailable, st.Phase)
	require.NotNil(t, st.AvailableVersion)
	assert.Equal(t, "2.1.0", *st.AvailableVersion)
	require.NotNil(t, st.LastCheckedAt)
	assert.Equal(t, inWindow, *st.LastCheckedAt)
	assert.Contains(t, h.history.descs, "2.1.0")
}

func TestCheckNetworkFailureIsAbsorbed(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.resolver.set(nil, &core.NetworkError{URL: "https://updates.example.com", Err: errors.New("connection refused")})

	pending, err := h.o.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	st := h.o.Status()
	assert.Equal(t, model.PhaseIdle, st.Phase)
	require.NotNil(t, st.LastFailure)
	assert.Equal(t, core.KindNetwork, st.LastFailure.Kind)
	assert.Equal(t, 1, h.events.Count(core.EventCheckFailed))

	h.resolver.set(nil, nil)
	_, err = h.o.Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, h.o.Status().LastFailure)
}

func TestCheckIncompatible(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.resolver.set(nil, &core.IncompatibleUpdateError{Version: "3.0.0", Constraint: "platform", Reason: "linux/arm64 only"})

	for i := 0; i < 2; i++ {
		_, err := h.o.Check(context.Background())
		require.NoError(t, err)
	}

	st := h.o.Status()
	assert.Equal(t, model.PhaseIncompatible, st.Phase)
	assert.Equal(t, core.KindIncompatible, st.LastFailure.Kind)
	assert.Equal(t, 1, h.events.Count(core.EventUpdateIncompatible))
	assert.Empty(t, h.o.Pending())
}

func TestBusyOperationsAreRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.installer.block = make(chan struct{})
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)

	_, err := h.o.Check(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.o.Install(context.Background(), "2.1.0"))

	require.Eventually(t, func() bool { return h.o.Status().Phase == model.PhaseInstalling }, time.Second, time.Millisecond)

	calls := h.resolver.Calls()
	pending, err := h.o.Check(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, calls, h.resolver.Calls())
	assert.Equal(t, model.PhaseInstalling, h.o.Status().Phase)

	assert.ErrorIs(t, h.o.Install(context.Background(), "2.1.0"), core.ErrBusy)
	assert.ErrorIs(t, h.o.Rollback(context.Background()), core.ErrBusy)
	assert.ErrorIs(t, h.o.Sweep(context.Background()), core.ErrBusy)

	close(h.installer.block)
	h.o.Wait()
	assert.Equal(t, []string{"2.1.0"}, h.installer.Installed())
}

func TestInstallCommits(t *testing.T) {
	h := newHarness(t, func(c *model.Configuration) { c.StabilityGraceSeconds = 30 })
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)
	_, err := h.o.Check(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.o.Install(context.Background(), ""))
	h.o.Wait()

	st := h.o.Status()
	assert.Equal(t, model.PhaseIdle, st.Phase)
	assert.Equal(t, "2.1.0", st.CurrentVersion)
	assert.Equal(t, "2.0.14", st.PreviousVersion)
	assert.True(t, st.RollbackAvailable)
	assert.Nil(t, st.AvailableVersion)
	assert.Nil(t, st.LastFailure)
	require.Len(t, st.Pending, 1)
	assert.True(t, st.Pending[0].Installed)
	assert.Empty(t, h.o.Pending())

	assert.Equal(t, 30*time.Second, h.monitor.grace)
	assert.Equal(t, core.VerifyPolicy{Enabled: true}, h.verifier.policy)
	assert.Equal(t, 1, h.backups.sweeps)
	assert.Equal(t, []string{"2.1.0"}, h.fetcher.cleaned)
	assert.True(t, h.history.descs["2.1.0"].Installed)

	assert.Equal(t, []core.EventType{
		core.EventCheckStarted,
		core.EventUpdateAvailable,
		core.EventBackupCreated,
		core.EventDownloadCompleted,
		core.EventIntegrityVerified,
		core.EventInstallStarted,
		core.EventInstallCompleted,
		core.EventStabilityStable,
	}, h.events.Types())

	// an installed version is never offered again
	_, err = h.o.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.events.Count(core.EventUpdateAvailable))
	assert.Equal(t, model.PhaseIdle, h.o.Status().Phase)
}

func TestIntegrityFailureAbortsBeforeInstall(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.err = &core.IntegrityError{Path: "/downloads/2.1.0.zip", Expected: "abc123", Actual: "def456"}
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)
	_, err := h.o.Check(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.o.Install(context.Background(), "2.1.0"))
	h.o.Wait()

	st := h.o.Status()
	assert.Equal(t, model.PhaseIdle, st.Phase)
	assert.Equal(t, "2.0.14", st.CurrentVersion)
	assert.Equal(t, core.KindIntegrity, st.LastFailure.Kind)
	assert.Empty(t, h.installer.Installed())
	assert.Equal(t, []string{"2.1.0"}, h.fetcher.cleaned)
	assert.Equal(t, 1, h.events.Count(core.EventIntegrityFailed))
	assert.Len(t, h.o.Pending(), 1)
}

func TestDownloadFailureKeepsKind(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.err = &core.DiskSpaceError{Path: "/var/lib", Required: 10, Available: 1}
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)
	_, _ = h.o.Check(context.Background())

	require.NoError(t, h.o.Install(context.Background(), ""))
	h.o.Wait()

	st := h.o.Status()
	assert.Equal(t, model.PhaseIdle, st.Phase)
	assert.Equal(t, core.KindDisk, st.LastFailure.Kind)
	assert.Equal(t, 1, h.events.Count(core.EventDownloadFailed))
}

func TestBackupFailureAbortsBeforeDownload(t *testing.T) {
	h := newHarness(t, nil)
	h.backups.snapErr = errors.New("read-only file system")
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)
	_, _ = h.o.Check(context.Background())

	require.NoError(t, h.o.Install(context.Background(), ""))
	h.o.Wait()

	assert.Empty(t, h.fetcher.fetched)
	assert.Equal(t, core.KindBackup, h.o.Status().LastFailure.Kind)
	assert.Equal(t, model.PhaseIdle, h.o.Status().Phase)
}

func TestUnstableInstallRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.monitor.err = errors.New("health endpoint returned 503")
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)
	_, _ = h.o.Check(context.Background())

	require.NoError(t, h.o.Install(context.Background(), "2.1.0"))
	h.o.Wait()

	st := h.o.Status()
	assert.Equal(t, model.PhaseIdle, st.Phase)
	assert.Equal(t, "2.0.14", st.CurrentVersion)
	assert.Equal(t, "2.1.0", st.PreviousVersion)
	assert.False(t, st.Unstable)
	assert.Equal(t, core.KindUnstable, st.LastFailure.Kind)
	assert.Equal(t, 1, h.backups.Restores())
	assert.Equal(t, 1, h.events.Count(core.EventRollbackCompleted))
	assert.Equal(t, 0, h.backups.sweeps)
}

func TestUnstableWithoutAutomaticRollbackWaitsForOperator(t *testing.T) {
	h := newHarness(t, func(c *model.Configuration) { c.RollbackAutomatic = false })
	h.monitor.err = errors.New("health check failed")
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)
	_, _ = h.o.Check(context.Background())

	require.NoError(t, h.o.Install(context.Background(), ""))
	h.o.Wait()

	st := h.o.Status()
	assert.Equal(t, model.PhaseUnstable, st.Phase)
	assert.True(t, st.Unstable)
	assert.Equal(t, "2.1.0", st.CurrentVersion)
	assert.Equal(t, 0, h.backups.Restores())

	calls := h.resolver.Calls()
	_, err := h.o.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, calls, h.resolver.Calls())

	h.resolver.set(descriptor("2.2.0"), nil)
	assert.ErrorIs(t, h.o.Install(context.Background(), ""), core.ErrOperatorRequired)

	require.NoError(t, h.o.Resolve(context.Background()))
	st = h.o.Status()
	assert.Equal(t, model.PhaseIdle, st.Phase)
	assert.False(t, st.Unstable)
	assert.Equal(t, 1, h.events.Count(core.EventOperatorResolved))

	assert.ErrorIs(t, h.o.Resolve(context.Background()), core.ErrNothingToResolve)
}

func TestOperatorRollbackFromUnstable(t *testing.T) {
	h := newHarness(t, func(c *model.Configuration) { c.RollbackAutomatic = false })
	h.monitor.err = errors.New("health check failed")
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)
	_, _ = h.o.Check(context.Background())
	require.NoError(t, h.o.Install(context.Background(), ""))
	h.o.Wait()
	require.Equal(t, model.PhaseUnstable, h.o.Status().Phase)

	require.NoError(t, h.o.Rollback(context.Background()))
	h.o.Wait()

	st := h.o.Status()
	assert.Equal(t, model.PhaseIdle, st.Phase)
	assert.Equal(t, "2.0.14", st.CurrentVersion)
	assert.False(t, st.Unstable)
}

func TestRollbackWithoutSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)
	_, _ = h.o.Check(context.Background())
	before := h.o.Status()

	err := h.o.Rollback(context.Background())
	var rbErr *core.RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Equal(t, "no backup available", rbErr.Reason)

	h.o.Wait()
	after := h.o.Status()
	assert.Equal(t, before.Phase, after.Phase)
	assert.Equal(t, before.CurrentVersion, after.CurrentVersion)
	assert.False(t, after.RollbackAvailable)
	assert.Equal(t, 0, h.backups.Restores())
	assert.Equal(t, 0, h.events.Count(core.EventRollbackStarted))
}

func TestFailedRollbackIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.monitor.err = errors.New("health check failed")
	h.backups.restoreErr = errors.New("archive truncated")
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)
	_, _ = h.o.Check(context.Background())

	require.NoError(t, h.o.Install(context.Background(), ""))
	h.o.Wait()

	st := h.o.Status()
	assert.Equal(t, model.PhaseRollbackFailed, st.Phase)
	assert.Equal(t, core.KindRollback, st.LastFailure.Kind)
	assert.Equal(t, 1, h.backups.Restores())
	assert.Equal(t, 1, h.events.Count(core.EventRollbackFailed))

	// no automatic retry
	h.o.MaintenanceWindowOpened(context.Background())
	h.o.Wait()
	assert.Equal(t, 1, h.backups.Restores())

	// an operator may retry
	h.backups.mu.Lock()
	h.backups.restoreErr = nil
	h.backups.mu.Unlock()
	require.NoError(t, h.o.Rollback(context.Background()))
	h.o.Wait()
	assert.Equal(t, model.PhaseIdle, h.o.Status().Phase)
	assert.Equal(t, "2.0.14", h.o.Status().CurrentVersion)
}

func TestInstallScriptFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.installer.err = &core.InstallScriptError{Script: "install.sh", ExitCode: 3, Output: "boom"}
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)
	_, _ = h.o.Check(context.Background())

	require.NoError(t, h.o.Install(context.Background(), ""))
	h.o.Wait()

	st := h.o.Status()
	assert.Equal(t, model.PhaseIdle, st.Phase)
	assert.Equal(t, "2.0.14", st.CurrentVersion)
	assert.Equal(t, core.KindInstall, st.LastFailure.Kind)
	assert.Equal(t, 1, h.backups.Restores())
	assert.Equal(t, 1, h.events.Count(core.EventInstallFailed))
	assert.Equal(t, 1, h.events.Count(core.EventRollbackCompleted))
}

func TestCorruptPackageDoesNotRollBack(t *testing.T) {
	h := newHarness(t, nil)
	h.installer.err = core.ErrCorruptPackage
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)
	_, _ = h.o.Check(context.Background())

	require.NoError(t, h.o.Install(context.Background(), ""))
	h.o.Wait()

	assert.Equal(t, model.PhaseIdle, h.o.Status().Phase)
	assert.Equal(t, 0, h.backups.Restores())
	assert.Equal(t, []string{"2.1.0"}, h.installer.cleaned)
}

func TestInstallUnknownVersion(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	assert.ErrorIs(t, h.o.Install(context.Background(), ""), core.ErrNotFound)
	assert.ErrorIs(t, h.o.Install(context.Background(), "9.9.9"), core.ErrNotFound)
}

func TestInstallSupersedesOlderPending(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	ctx := context.Background()

	for _, v := range []string{"2.1.0", "2.2.0"} {
		h.resolver.set(descriptor(v), nil)
		_, err := h.o.Check(ctx)
		require.NoError(t, err)
	}
	require.Len(t, h.o.Pending(), 2)

	require.NoError(t, h.o.Install(ctx, "2.2.0"))
	h.o.Wait()

	st := h.o.Status()
	assert.Equal(t, "2.2.0", st.CurrentVersion)
	assert.Nil(t, st.AvailableVersion)
	assert.Empty(t, h.o.Pending())
	assert.ErrorIs(t, h.o.Install(ctx, "2.1.0"), core.ErrNotFound)

	cfg := h.o.Configuration()
	cfg.AutoInstall = true
	require.NoError(t, h.o.UpdateConfiguration(cfg))
	h.o.MaintenanceWindowOpened(ctx)
	h.o.Wait()

	assert.Equal(t, "2.2.0", h.o.Status().CurrentVersion)
	assert.Equal(t, []string{"2.2.0"}, h.installer.Installed())
}

func TestRollbackKeepsNewerPending(t *testing.T) {
	h := newHarness(t, func(c *model.Configuration) { c.RollbackAutomatic = true })
	h.start(t)
	ctx := context.Background()

	for _, v := range []string{"2.1.0", "2.2.0"} {
		h.resolver.set(descriptor(v), nil)
		_, err := h.o.Check(ctx)
		require.NoError(t, err)
	}

	h.monitor.err = errors.New("service not healthy")
	require.NoError(t, h.o.Install(ctx, "2.1.0"))
	h.o.Wait()

	st := h.o.Status()
	assert.Equal(t, "2.0.14", st.CurrentVersion)
	pending := h.o.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "2.2.0", pending[0].Version)
}

func TestAutoInstallRespectsWindow(t *testing.T) {
	h := newHarness(t, func(c *model.Configuration) { c.AutoInstall = true })
	h.clock.SetTime(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)

	_, err := h.o.Check(context.Background())
	require.NoError(t, err)
	h.o.MaintenanceWindowOpened(context.Background())
	h.o.Wait()
	assert.Equal(t, model.PhaseAvailable, h.o.Status().Phase)
	assert.Empty(t, h.installer.Installed())

	h.clock.SetTime(time.Date(2025, 3, 2, 2, 0, 0, 0, time.UTC))
	h.o.MaintenanceWindowOpened(context.Background())
	h.o.Wait()
	assert.Equal(t, []string{"2.1.0"}, h.installer.Installed())
	assert.Equal(t, "2.1.0", h.o.Status().CurrentVersion)
}

func TestAutoInstallOnCheckInsideWindow(t *testing.T) {
	h := newHarness(t, func(c *model.Configuration) { c.AutoInstall = true })
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)

	_, err := h.o.Check(context.Background())
	require.NoError(t, err)
	h.o.Wait()

	assert.Equal(t, "2.1.0", h.o.Status().CurrentVersion)
}

func TestUpdateConfiguration(t *testing.T) {
	h := newHarness(t, nil)
	r := &countingRescheduler{}
	h.o.SetRescheduler(r)
	h.start(t)

	bad := h.o.Configuration()
	bad.PollIntervalHours = 0
	var verr *core.ConfigValidationError
	require.ErrorAs(t, h.o.UpdateConfiguration(bad), &verr)
	assert.Equal(t, 0, h.configs.saves)
	assert.Equal(t, 0, r.calls)

	good := h.o.Configuration()
	good.PollIntervalHours = 12
	require.NoError(t, h.o.UpdateConfiguration(good))
	assert.Equal(t, 1, h.configs.saves)
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, 12, h.o.Configuration().PollIntervalHours)
	assert.Equal(t, 1, h.events.Count(core.EventConfigUpdated))

	// unchanged configuration is a no-op
	require.NoError(t, h.o.UpdateConfiguration(good))
	assert.Equal(t, 1, r.calls)
}

func TestStartReplaysHistory(t *testing.T) {
	h := newHarness(t, nil)
	installed := *descriptor("2.1.0")
	installed.MarkInstalled(inWindow)
	require.NoError(t, h.history.SaveDescriptor(installed))
	require.NoError(t, h.history.SaveDescriptor(*descriptor("2.2.0")))
	require.NoError(t, h.history.SaveDescriptor(*descriptor("1.0.0")))
	h.backups.snaps = []*model.Snapshot{{ID: "old", Version: "2.0.13"}}
	h.start(t)

	st := h.o.Status()
	assert.True(t, st.RollbackAvailable)
	assert.Equal(t, model.PhaseAvailable, st.Phase)
	require.Len(t, h.o.Pending(), 1)
	assert.Equal(t, "2.2.0", h.o.Pending()[0].Version)

	h.resolver.set(descriptor("2.1.0"), nil)
	_, err := h.o.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, h.events.Count(core.EventUpdateAvailable))
}

func TestChangelog(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.history.SaveDescriptor(model.UpdateDescriptor{Version: "1.9.0", Changelog: "old", Installed: true}))
	h.start(t)
	h.resolver.set(descriptor("2.1.0"), nil)
	_, _ = h.o.Check(context.Background())

	got, err := h.o.Changelog("2.1.0")
	require.NoError(t, err)
	assert.Equal(t, "changes in 2.1.0", got)

	got, err = h.o.Changelog("1.9.0")
	require.NoError(t, err)
	assert.Equal(t, "old", got)

	_, err = h.o.Changelog("0.1.0")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestNewRejectsBadVersion(t *testing.T) {
	_, err := New(Deps{Configs: &memConfigs{cfg: model.DefaultConfiguration()}}, Options{CurrentVersion: "not-a-version"})
	assert.Error(t, err)
}
