package history

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/ruleset-build/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func finishedRun(started time.Time, status domain.RunStatus) *domain.Run {
	finished := started.Add(2 * time.Minute)
	return &domain.Run{
		ID:         uuid.NewString(),
		Status:     status,
		Prefetch:   domain.PrefetchMaterialized,
		StartedAt:  started,
		FinishedAt: &finished,
	}
}

func TestStore_StartAndFinishRun(t *testing.T) {
	store := newStore(t)

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run := &domain.Run{ID: uuid.NewString(), Trigger: "nightly", Status: domain.RunRunning, StartedAt: started}
	if err := store.StartRun(run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
	}

	finished := started.Add(3 * time.Minute)
	run.Status = domain.RunFailed
	run.ExitCode = 1
	run.Error = "stage 1: builder chn-cidr: exit 1"
	run.Prefetch = domain.PrefetchDegraded
	run.FinishedAt = &finished
	run.Builders = []domain.BuilderResult{
		{Name: "chn-cidr", Stage: 1, Status: domain.BuilderFailed, Err: errors.New("exit 1"), StartedAt: started, Duration: 1500 * time.Millisecond},
		{Name: "public", Stage: 3, Status: domain.BuilderSkipped, Err: errors.New("dependency failed")},
		{Name: "apple-cdn", Stage: 1, Status: domain.BuilderOK, StartedAt: started, Duration: time.Second},
	}
	if err := store.FinishRun(run); err != nil {
		t.Fatal(err)
	}

	got, err = store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Trigger != "nightly" {
		t.Errorf("Trigger = %q, want nightly", got.Trigger)
	}
	if got.Status != domain.RunFailed || got.ExitCode != 1 {
		t.Errorf("Status = %q ExitCode = %d, want failed 1", got.Status, got.ExitCode)
	}
	if got.Prefetch != domain.PrefetchDegraded {
		t.Errorf("Prefetch = %q, want degraded", got.Prefetch)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, finished)
	}
	if len(got.Builders) != 3 {
		t.Fatalf("Builders = %d, want 3", len(got.Builders))
	}
	if got.Builders[0].Name != "apple-cdn" || got.Builders[1].Name != "chn-cidr" || got.Builders[2].Name != "public" {
		t.Errorf("Builders not ordered by stage, name: %+v", got.Builders)
	}
	if got.Builders[1].Err == nil || got.Builders[1].Err.Error() != "exit 1" {
		t.Errorf("chn-cidr Err = %v, want exit 1", got.Builders[1].Err)
	}
	if got.Builders[1].Duration != 1500*time.Millisecond {
		t.Errorf("Duration = %v, want 1.5s", got.Builders[1].Duration)
	}
	if !got.Builders[2].StartedAt.IsZero() {
		t.Errorf("skipped builder StartedAt = %v, want zero", got.Builders[2].StartedAt)
	}
}

func TestStore_FinishRunWithoutStart(t *testing.T) {
	store := newStore(t)
	run := finishedRun(time.Now(), domain.RunCompleted)

	if err := store.FinishRun(run); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Trigger != "manual" {
		t.Errorf("Trigger = %q, want manual", got.Trigger)
	}
}

func TestStore_GetRunNotFound(t *testing.T) {
	store := newStore(t)

	_, err := store.GetRun("nope")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun error = %v, want ErrRunNotFound", err)
	}
}

func TestStore_ListRuns(t *testing.T) {
	store := newStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	runs := []*domain.Run{
		finishedRun(base, domain.RunCompleted),
		finishedRun(base.Add(time.Hour), domain.RunFailed),
		finishedRun(base.Add(2*time.Hour), domain.RunCompleted),
	}
	for _, r := range runs {
		if err := store.FinishRun(r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"all newest first", ListOptions{}, []string{runs[2].ID, runs[1].ID, runs[0].ID}},
		{"by status", ListOptions{Status: domain.RunCompleted}, []string{runs[2].ID, runs[0].ID}},
		{"limit", ListOptions{Limit: 1}, []string{runs[2].ID}},
		{"since", ListOptions{Since: base.Add(30 * time.Minute)}, []string{runs[2].ID, runs[1].ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListRuns(tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d runs, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("run[%d] = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestStore_Prune(t *testing.T) {
	store := newStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	old := finishedRun(base, domain.RunCompleted)
	old.Builders = []domain.BuilderResult{{Name: "public", Stage: 3, Status: domain.BuilderOK}}
	recent := finishedRun(base.Add(48*time.Hour), domain.RunCompleted)
	for _, r := range []*domain.Run{old, recent} {
		if err := store.FinishRun(r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.Prune(base.Add(24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Prune removed %d, want 1", n)
	}
	if _, err := store.GetRun(old.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("old run still present: %v", err)
	}
	if _, err := store.GetRun(recent.ID); err != nil {
		t.Errorf("recent run gone: %v", err)
	}
}

func TestParseCutoff(t *testing.T) {
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"30d", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), false},
		{"0d", now, false},
		{"36h", time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC), false},
		{"2026-01-15", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), false},
		{" 7d ", time.Date(2026, 3, 24, 12, 0, 0, 0, time.UTC), false},
		{"-5d", time.Time{}, true},
		{"-1h", time.Time{}, true},
		{"yesterday", time.Time{}, true},
		{"", time.Time{}, true},
	}

	for _, tt := range tests {
		got, err := ParseCutoff(tt.in, now)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCutoff(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseCutoff(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	store, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	store.Close()
}
