package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
)

type fakeResolver struct {
	mu    sync.Mutex
	desc  *model.UpdateDescriptor
	err   error
	calls int
	block chan struct{}
}

func (f *fakeResolver) Check(ctx context.Context, current, platform string) (*model.UpdateDescriptor, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.desc == nil {
		return nil, f.err
	}
	d := *f.desc
	return &d, f.err
}

func (f *fakeResolver) set(d *model.UpdateDescriptor, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.desc, f.err = d, err
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFetcher struct {
	mu      sync.Mutex
	err     error
	fetched []string
	cleaned []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, d model.UpdateDescriptor, progress core.ProgressFunc) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, d.Version)
	if f.err != nil {
		return "", f.err
	}
	progress(10, 10)
	return "/downloads/" + d.Version + ".zip", nil
}

func (f *fakeFetcher) Cleanup(version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, version)
	return nil
}

type fakeVerifier struct {
	err    error
	policy core.VerifyPolicy
}

func (f *fakeVerifier) Verify(ctx context.Context, path, expected string, policy core.VerifyPolicy) error {
	f.policy = policy
	return f.err
}

type fakeBackups struct {
	mu         sync.Mutex
	snaps      []*model.Snapshot
	snapErr    error
	restoreErr error
	restores   int
	sweeps     int
	clock      *testingclock.FakeClock
}

func (f *fakeBackups) Snapshot(ctx context.Context, version string) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	s := &model.Snapshot{ID: "snap-" + version, Version: version, CreatedAt: f.clock.Now()}
	f.snaps = append(f.snaps, s)
	return s, nil
}

func (f *fakeBackups) RestoreLatest(ctx context.Context) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	if len(f.snaps) == 0 {
		return nil, core.NewRollbackError("no backup available", nil)
	}
	return f.snaps[len(f.snaps)-1], nil
}

func (f *fakeBackups) Latest() (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snaps) == 0 {
		return nil, nil
	}
	return f.snaps[len(f.snaps)-1], nil
}

func (f *fakeBackups) Sweep(time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 0, nil
}

func (f *fakeBackups) Restores() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restores
}

type fakeInstaller struct {
	mu        sync.Mutex
	err       error
	block     chan struct{}
	installed []string
	cleaned   []string
}

func (f *fakeInstaller) Install(ctx context.Context, archivePath string, d model.UpdateDescriptor) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, d.Version)
	return f.err
}

func (f *fakeInstaller) Cleanup(version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, version)
	return nil
}

func (f *fakeInstaller) Installed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.installed...)
}

type fakeMonitor struct {
	err   error
	grace time.Duration
}

func (f *fakeMonitor) Await(ctx context.Context, grace time.Duration) error {
	f.grace = grace
	return f.err
}

type memConfigs struct {
	mu    sync.Mutex
	cfg   model.Configuration
	saves int
}

func (m *memConfigs) Load() (model.Configuration, error) { return m.cfg, nil }

func (m *memConfigs) Save(cfg model.Configuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.saves++
	return nil
}

func (m *memConfigs) Validate(cfg model.Configuration) error {
	if cfg.PollIntervalHours < 1 {
		return &core.ConfigValidationError{Fields: map[string]string{"pollIntervalHours": "min=1"}}
	}
	return nil
}

type memHistory struct {
	mu    sync.Mutex
	recs  []model.HistoryRecord
	descs map[string]model.UpdateDescriptor
}

func (m *memHistory) Append(rec model.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memHistory) List(limit int) ([]model.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.HistoryRecord(nil), m.recs...), nil
}

func (m *memHistory) SaveDescriptor(d model.UpdateDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.descs == nil {
		m.descs = map[string]model.UpdateDescriptor{}
	}
	m.descs[d.Version] = d
	return nil
}

func (m *memHistory) Descriptors() ([]model.UpdateDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.UpdateDescriptor, 0, len(m.descs))
	for _, d := range m.descs {
		out = append(out, d)
	}
	return out, nil
}

func (m *memHistory) Descriptor(version string) (model.UpdateDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.descs[version]
	if !ok {
		return d, core.ErrNotFound
	}
	return d, nil
}

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Publish(e core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Count(t core.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Types returns the event types in order, without phase changes and progress.
func (r *recorder) Types() []core.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.EventType
	for _, e := range r.events {
		if e.Type == core.EventPhaseChanged || e.Type == core.EventDownloadProgress {
			continue
		}
		out = append(out, e.Type)
	}
	return out
}

type countingRescheduler struct {
	mu    sync.Mutex
	calls int
}

func (c *countingRescheduler) Reschedule(model.Configuration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

type harness struct {
	o         *Orchestrator
	clock     *testingclock.FakeClock
	resolver  *fakeResolver
	fetcher   *fakeFetcher
	verifier  *fakeVerifier
	backups   *fakeBackups
	installer *fakeInstaller
	monitor   *fakeMonitor
	configs   *memConfigs
	history   *memHistory
	events    *recorder
}

// inWindow is inside the default 02:00-05:00 UTC maintenance window.
var inWindow = time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC)

func descriptor(version string) *model.UpdateDescriptor {
	return &model.UpdateDescriptor{
		Version:     version,
		Changelog:   "changes in " + version,
		DownloadURL: "https://updates.example.com/packages/" + version + ".zip",
		Checksum:    "abc123",
	}
}

func newHarness(t *testing.T, mutate func(*model.Configuration)) *harness {
	t.Helper()

	cfg := model.DefaultConfiguration()
	cfg.AutoInstall = false
	if mutate != nil {
		mutate(&cfg)
	}

	clk := testingclock.NewFakeClock(inWindow)
	h := &harness{
		clock:     clk,
		resolver:  &fakeResolver{},
		fetcher:   &fakeFetcher{},
		verifier:  &fakeVerifier{},
		backups:   &fakeBackups{clock: clk},
		installer: &fakeInstaller{},
		monitor:   &fakeMonitor{},
		configs:   &memConfigs{cfg: cfg},
		history:   &memHistory{},
		events:    &recorder{},
	}

	o, err := New(Deps{
		Resolver:  h.resolver,
		Fetcher:   h.fetcher,
		Verifier:  h.verifier,
		Backups:   h.backups,
		Installer: h.installer,
		Monitor:   h.monitor,
		Configs:   h.configs,
		History:   h.history,
		Publisher: h.events,
		Clock:     clk,
	}, Options{CurrentVersion: "2.0.14", Platform: "linux/amd64"})
	require.NoError(t, err)
	h.o = o
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		h.o.Wait()
	})
	require.NoError(t, h.o.Start(ctx))
}
