package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/robfig/cron/v3"

	"github.com/sumire/pulse/internal/domain"
)

type fakePrefFinder struct {
	mu    sync.Mutex
	prefs map[int64]*domain.NotificationPreference
}

func newFakePrefFinder() *fakePrefFinder {
	return &fakePrefFinder{prefs: make(map[int64]*domain.NotificationPreference)}
}

func (f *fakePrefFinder) set(p domain.NotificationPreference) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefs[p.UserID] = &p
}

func (f *fakePrefFinder) Find(_ context.Context, userID int64) (*domain.NotificationPreference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prefs[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePrefFinder) ListUserIDs(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.prefs))
	for id := range f.prefs {
		ids = append(ids, id)
	}
	return ids, nil
}

type fakeJobRegistry struct {
	mu   sync.Mutex
	rows map[int64]domain.DigestJob
	err  error
}

func newFakeJobRegistry() *fakeJobRegistry {
	return &fakeJobRegistry{rows: make(map[int64]domain.DigestJob)}
}

func (f *fakeJobRegistry) Find(_ context.Context, userID int64) (*domain.DigestJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &row, nil
}

func (f *fakeJobRegistry) Upsert(_ context.Context, job domain.DigestJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows[job.UserID] = job
	return nil
}

func (f *fakeJobRegistry) Delete(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, userID)
	return nil
}

func (f *fakeJobRegistry) List(context.Context) ([]domain.DigestJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]domain.DigestJob, 0, len(f.rows))
	for _, row := range f.rows {
		rows = append(rows, row)
	}
	return rows, nil
}

// fakeRunner records live cron entries without running anything.
type fakeRunner struct {
	mu   sync.Mutex
	next cron.EntryID
	live map[cron.EntryID]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{live: make(map[cron.EntryID]string)}
}

func (f *fakeRunner) AddFunc(spec string, _ func()) (cron.EntryID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.live[f.next] = spec
	return f.next, nil
}

func (f *fakeRunner) Remove(id cron.EntryID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, id)
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeRunner) specs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.live))
	for _, s := range f.live {
		out = append(out, s)
	}
	return out
}

type nopDeliverer struct{}

func (nopDeliverer) Deliver(context.Context, int64) error { return nil }

func dailyPref(userID int64, clock, tz string) domain.NotificationPreference {
	p := domain.DefaultPreference(userID)
	p.DigestCadence = domain.DigestDaily
	p.DigestTime = clock
	p.Timezone = tz
	return p
}

func TestScheduler_ScheduleInstallsOneJob(t *testing.T) {
	t.Parallel()

	prefs := newFakePrefFinder()
	prefs.set(dailyPref(1, "09:00", "UTC"))
	jobs := newFakeJobRegistry()
	runner := newFakeRunner()
	s := NewDigestScheduler(prefs, jobs, runner, nopDeliverer{}, false)

	if err := s.ScheduleOrReschedule(context.Background(), 1); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if got := runner.count(); got != 1 {
		t.Fatalf("want 1 live entry, got %d", got)
	}
	row, err := jobs.Find(context.Background(), 1)
	if err != nil {
		t.Fatalf("registry row: %v", err)
	}
	want := "CRON_TZ=UTC 0 9 * * *"
	if row.CronExpr != want {
		t.Fatalf("want cron %q, got %q", want, row.CronExpr)
	}
	if row.Handle == "" {
		t.Fatal("want non-empty handle")
	}
}

func TestScheduler_ConcurrentCallsConvergeOnOneJob(t *testing.T) {
	t.Parallel()

	prefs := newFakePrefFinder()
	prefs.set(dailyPref(7, "08:30", "Europe/Moscow"))
	jobs := newFakeJobRegistry()
	runner := newFakeRunner()
	s := NewDigestScheduler(prefs, jobs, runner, nopDeliverer{}, false)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ScheduleOrReschedule(context.Background(), 7); err != nil {
				t.Errorf("schedule: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := runner.count(); got != 1 {
		t.Fatalf("want exactly 1 live entry after concurrent scheduling, got %d", got)
	}
	rows, _ := jobs.List(context.Background())
	if len(rows) != 1 {
		t.Fatalf("want 1 registry row, got %d", len(rows))
	}
}

func TestScheduler_DisabledCadenceCancels(t *testing.T) {
	t.Parallel()

	prefs := newFakePrefFinder()
	prefs.set(dailyPref(2, "09:00", "UTC"))
	jobs := newFakeJobRegistry()
	runner := newFakeRunner()
	s := NewDigestScheduler(prefs, jobs, runner, nopDeliverer{}, false)

	if err := s.ScheduleOrReschedule(context.Background(), 2); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	p := dailyPref(2, "09:00", "UTC")
	p.DigestCadence = domain.DigestDisabled
	prefs.set(p)

	if err := s.ScheduleOrReschedule(context.Background(), 2); err != nil {
		t.Fatalf("reschedule with disabled cadence: %v", err)
	}
	if got := runner.count(); got != 0 {
		t.Fatalf("want no live entries, got %d", got)
	}
	if _, err := jobs.Find(context.Background(), 2); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want registry row removed, got %v", err)
	}
}

func TestScheduler_TimezoneChangeReplacesJob(t *testing.T) {
	t.Parallel()

	prefs := newFakePrefFinder()
	prefs.set(dailyPref(3, "09:00", "UTC"))
	jobs := newFakeJobRegistry()
	runner := newFakeRunner()
	s := NewDigestScheduler(prefs, jobs, runner, nopDeliverer{}, false)

	if err := s.ScheduleOrReschedule(context.Background(), 3); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	prefs.set(dailyPref(3, "09:00", "Asia/Tokyo"))
	if err := s.ScheduleOrReschedule(context.Background(), 3); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	specs := runner.specs()
	if len(specs) != 1 {
		t.Fatalf("want 1 live entry, got %d", len(specs))
	}
	if specs[0] != "CRON_TZ=Asia/Tokyo 0 9 * * *" {
		t.Fatalf("want Tokyo cron, got %q", specs[0])
	}
}

func TestScheduler_CancelMissingJobIsNoop(t *testing.T) {
	t.Parallel()

	s := NewDigestScheduler(newFakePrefFinder(), newFakeJobRegistry(), newFakeRunner(), nopDeliverer{}, false)
	if err := s.Cancel(context.Background(), 99); err != nil {
		t.Fatalf("cancel without job: %v", err)
	}
}

func TestScheduler_PersistFailureRollsBackEntry(t *testing.T) {
	t.Parallel()

	prefs := newFakePrefFinder()
	prefs.set(dailyPref(4, "09:00", "UTC"))
	jobs := newFakeJobRegistry()
	jobs.err = errors.New("db down")
	runner := newFakeRunner()
	s := NewDigestScheduler(prefs, jobs, runner, nopDeliverer{}, false)

	err := s.ScheduleOrReschedule(context.Background(), 4)
	if !errors.Is(err, domain.ErrSchedulerUnavailable) {
		t.Fatalf("want ErrSchedulerUnavailable, got %v", err)
	}
	if got := runner.count(); got != 0 {
		t.Fatalf("want cron entry rolled back, got %d live", got)
	}
}

func TestScheduler_ReconcileProductionRemovesOrphans(t *testing.T) {
	t.Parallel()

	prefs := newFakePrefFinder()
	prefs.set(dailyPref(1, "09:00", "UTC"))
	// User 2 has no preference row: their job is an orphan.
	jobs := newFakeJobRegistry()
	jobs.rows[1] = domain.DigestJob{UserID: 1, CronExpr: "CRON_TZ=UTC 0 9 * * *", Handle: "a"}
	jobs.rows[2] = domain.DigestJob{UserID: 2, CronExpr: "CRON_TZ=UTC 0 9 * * *", Handle: "b"}
	runner := newFakeRunner()
	s := NewDigestScheduler(prefs, jobs, runner, nopDeliverer{}, true)

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if got := runner.count(); got != 1 {
		t.Fatalf("want 1 live entry, got %d", got)
	}
	if _, err := jobs.Find(context.Background(), 2); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want orphan row removed, got %v", err)
	}
	if _, err := jobs.Find(context.Background(), 1); err != nil {
		t.Fatalf("want valid row kept: %v", err)
	}
}

func TestScheduler_ReconcileDevRebuildsFromPreferences(t *testing.T) {
	t.Parallel()

	prefs := newFakePrefFinder()
	prefs.set(dailyPref(1, "07:00", "UTC"))
	jobs := newFakeJobRegistry()
	// Stale row with an outdated expression; the rebuild must re-derive it.
	jobs.rows[1] = domain.DigestJob{UserID: 1, CronExpr: "CRON_TZ=UTC 0 23 * * *", Handle: "old"}
	runner := newFakeRunner()
	s := NewDigestScheduler(prefs, jobs, runner, nopDeliverer{}, false)

	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	row, err := jobs.Find(context.Background(), 1)
	if err != nil {
		t.Fatalf("registry row: %v", err)
	}
	if row.CronExpr != "CRON_TZ=UTC 0 7 * * *" {
		t.Fatalf("want re-derived cron, got %q", row.CronExpr)
	}
	if got := runner.count(); got != 1 {
		t.Fatalf("want 1 live entry, got %d", got)
	}
}
