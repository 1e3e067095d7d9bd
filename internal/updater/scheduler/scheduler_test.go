package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/updater/internal/updater/core/model"
)

type countingTarget struct {
	checks  atomic.Int32
	windows atomic.Int32
	sweeps  atomic.Int32
}

func (c *countingTarget) Check(context.Context) ([]model.UpdateDescriptor, error) {
	c.checks.Add(1)
	return nil, nil
}

func (c *countingTarget) MaintenanceWindowOpened(context.Context) { c.windows.Add(1) }

func (c *countingTarget) Sweep(context.Context) error {
	c.sweeps.Add(1)
	return nil
}

func config(pollHours int) model.Configuration {
	cfg := model.DefaultConfiguration()
	cfg.PollIntervalHours = pollHours
	cfg.MaintenanceWindow = model.MaintenanceWindow{Start: "02:00", End: "05:00", Timezone: "UTC"}
	return cfg
}

func eventually(t *testing.T, f func() bool) {
	t.Helper()
	require.Eventually(t, f, 2*time.Second, 5*time.Millisecond)
}

func TestTriggersFire(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC))
	target := &countingTarget{}
	s := New(target, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx, config(6)))
	defer s.Stop()

	clk.Step(time.Hour)
	eventually(t, func() bool { return target.windows.Load() == 1 })
	assert.EqualValues(t, 0, target.checks.Load())

	clk.Step(5 * time.Hour)
	eventually(t, func() bool { return target.checks.Load() == 1 })

	clk.Step(18 * time.Hour)
	eventually(t, func() bool { return target.sweeps.Load() == 1 })
}

func TestWindowTimerRearms(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2025, 3, 1, 1, 0, 0, 0, time.UTC))
	target := &countingTarget{}
	s := New(target, clk)
	require.NoError(t, s.Start(context.Background(), config(168)))
	defer s.Stop()

	clk.Step(time.Hour)
	eventually(t, func() bool { return target.windows.Load() == 1 })

	clk.SetTime(time.Date(2025, 3, 2, 2, 0, 0, 0, time.UTC))
	// the next timer may be armed after SetTime; Step(0) fires it once it exists
	eventually(t, func() bool {
		clk.Step(0)
		return target.windows.Load() == 2
	})
}

func TestRescheduleReplacesTriggers(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	target := &countingTarget{}
	s := New(target, clk)
	require.NoError(t, s.Start(context.Background(), config(6)))
	defer s.Stop()

	require.NoError(t, s.Reschedule(config(1)))
	require.NoError(t, s.Reschedule(config(1)))

	clk.Step(time.Hour)
	eventually(t, func() bool { return target.checks.Load() == 1 })

	// only one trigger set is alive, so five more hours give five checks, not ten
	for i := 0; i < 5; i++ {
		want := int32(i + 2)
		clk.Step(time.Hour)
		eventually(t, func() bool { return target.checks.Load() == want })
	}
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 6, target.checks.Load())
}

func TestRescheduleBeforeStart(t *testing.T) {
	s := New(&countingTarget{}, testingclock.NewFakeClock(time.Now()))
	assert.Error(t, s.Reschedule(config(1)))
}

func TestRescheduleRejectsBadTimezone(t *testing.T) {
	s := New(&countingTarget{}, testingclock.NewFakeClock(time.Now()))
	require.NoError(t, s.Start(context.Background(), config(1)))
	defer s.Stop()

	cfg := config(1)
	cfg.MaintenanceWindow.Timezone = "Mars/Olympus"
	assert.Error(t, s.Reschedule(cfg))
}

func TestStopOnContextCancel(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	target := &countingTarget{}
	s := New(target, clk)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, config(1)))
	cancel()
	s.Stop()

	clk.Step(2 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, target.checks.Load())
}
