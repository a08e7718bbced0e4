package tracker

import (
	"context"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/store"
)

/* ---------------- fakes ---------------- */

type fakeAnswers struct {
	mu      sync.Mutex
	answers map[string]string
	current int
}

func newFakeAnswers() *fakeAnswers {
	return &fakeAnswers{answers: map[string]string{}, current: 1}
}

func (f *fakeAnswers) Answers() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.answers)
}

func (f *fakeAnswers) CurrentQuestion() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeAnswers) set(qid, ans string) {
	f.mu.Lock()
	f.answers[qid] = ans
	f.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store   *store.MemoryStore
	answers *fakeAnswers
	bus     *EventBus
	clock   *fakeClock

	mu          sync.Mutex
	submissions []model.Submission
	exits       []ExitNotice
	saves       int
}

func newHarness() *harness {
	return &harness{
		store:   store.NewMemoryStore(),
		answers: newFakeAnswers(),
		bus:     NewEventBus(),
		clock:   newFakeClock(),
	}
}

func (h *harness) options() Options {
	return Options{
		// Long enough that the ticker never fires during a unit test.
		SnapshotInterval: time.Hour,
		ExitThreshold:    3,
		ClearOnSubmit:    true,
		Now:              h.clock.Now,
		OnSave: func(time.Time) {
			h.mu.Lock()
			h.saves++
			h.mu.Unlock()
		},
		OnExit: func(n ExitNotice) {
			h.mu.Lock()
			h.exits = append(h.exits, n)
			h.mu.Unlock()
		},
		OnSubmit: func(s model.Submission) {
			h.mu.Lock()
			h.submissions = append(h.submissions, s)
			h.mu.Unlock()
		},
	}
}

func (h *harness) tracker(opts Options) *Tracker {
	return New("exam-1", "user-7", h.store, h.answers, h.bus, opts, zerolog.Nop())
}

func (h *harness) submissionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.submissions)
}

func (h *harness) seed(t *testing.T, raw string) {
	t.Helper()
	if err := h.store.Set(context.Background(), config.CacheKey.AutosaveKey("exam-1", "user-7"), raw); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) seedSnapshot(t *testing.T, capturedAt time.Time, answers map[string]string, exits int) {
	t.Helper()
	rec := model.NewSnapshotRecord("exam-1", "user-7", model.SessionSnapshot{
		Answers:           answers,
		CurrentQuestionID: 2,
		ElapsedSeconds:    600,
		CapturedAt:        capturedAt,
	}, exits)
	raw, err := rec.Encode()
	if err != nil {
		t.Fatal(err)
	}
	h.seed(t, raw)
}

func mustStart(t *testing.T, tr *Tracker) *ResumeOffer {
	t.Helper()
	offer, err := tr.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return offer
}

/* ---------------- snapshot ---------------- */

func TestSnapshotSuppressesIdenticalWrites(t *testing.T) {
	h := newHarness()
	tr := h.tracker(h.options())
	mustStart(t, tr)
	defer tr.Stop()
	ctx := context.Background()

	h.answers.set("q1", "A")
	for i := 0; i < 5; i++ {
		h.clock.Advance(30 * time.Second)
		if _, err := tr.Snapshot(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.store.Writes(); got != 1 {
		t.Fatalf("writes = %d, want 1", got)
	}
}

func TestSnapshotWritesOnlyOnChange(t *testing.T) {
	h := newHarness()
	tr := h.tracker(h.options())
	mustStart(t, tr)
	defer tr.Stop()
	ctx := context.Background()

	steps := []struct {
		answer     string
		wantSaved  bool
		wantWrites int
	}{
		{"A", true, 1},
		{"A", false, 1},
		{"B", true, 2},
	}
	for i, step := range steps {
		h.answers.set("q1", step.answer)
		saved, err := tr.Snapshot(ctx)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if saved != step.wantSaved || h.store.Writes() != step.wantWrites {
			t.Fatalf("step %d: saved=%v writes=%d, want %v/%d", i, saved, h.store.Writes(), step.wantSaved, step.wantWrites)
		}
	}

	raw, _ := h.store.Get(ctx, tr.Key())
	rec, err := model.DecodeSnapshotRecord(raw)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Answers["q1"] != "B" || rec.ExamID != "exam-1" || rec.UserID != "user-7" {
		t.Errorf("stored record = %+v", rec)
	}
	if h.saves != 2 {
		t.Errorf("OnSave calls = %d, want 2", h.saves)
	}
}

func TestSnapshotRecordsElapsedTimeAndSaveIndicator(t *testing.T) {
	h := newHarness()
	tr := h.tracker(h.options())
	mustStart(t, tr)
	defer tr.Stop()

	h.clock.Advance(95 * time.Second)
	h.answers.set("q1", "C")
	if _, err := tr.Snapshot(context.Background()); err != nil {
		t.Fatal(err)
	}

	st := tr.State()
	if st.LastSnapshot == nil || st.LastSnapshot.ElapsedSeconds != 95 {
		t.Fatalf("last snapshot = %+v", st.LastSnapshot)
	}
	if !tr.LastSavedAt().Equal(h.clock.Now()) {
		t.Errorf("LastSavedAt = %s, want %s", tr.LastSavedAt(), h.clock.Now())
	}
}

func TestSnapshotStorageFailureDegradesToMemory(t *testing.T) {
	h := newHarness()
	tr := h.tracker(h.options())
	mustStart(t, tr)
	defer tr.Stop()
	ctx := context.Background()

	h.store.SetFailure(errors.New("quota exceeded"))
	h.answers.set("q1", "A")

	saved, err := tr.Snapshot(ctx)
	if saved || !errors.Is(err, ErrPersistenceUnavailable) {
		t.Fatalf("saved=%v err=%v, want ErrPersistenceUnavailable", saved, err)
	}
	if st := tr.State(); st.LastSnapshot == nil || st.LastSnapshot.Answers["q1"] != "A" {
		t.Fatalf("snapshot not kept in memory: %+v", st.LastSnapshot)
	}
	if tr.Phase() != PhaseActive {
		t.Fatalf("phase = %s, session should continue", tr.Phase())
	}

	// Storage comes back: the same answers are now written.
	h.store.SetFailure(nil)
	if saved, err := tr.Snapshot(ctx); !saved || err != nil {
		t.Fatalf("retry saved=%v err=%v", saved, err)
	}

	// Submission is never blocked by a broken store.
	h.store.SetFailure(errors.New("still broken"))
	if _, err := tr.Submit(ctx, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

/* ---------------- exits ---------------- */

func TestRecordExitForcesSubmissionAtThreshold(t *testing.T) {
	h := newHarness()
	tr := h.tracker(h.options())
	mustStart(t, tr)
	ctx := context.Background()
	h.answers.set("q1", "A")

	for i := 1; i <= 3; i++ {
		count, err := tr.RecordExit(ctx, EventFullscreen)
		if err != nil {
			t.Fatalf("exit %d: %v", i, err)
		}
		if count != i {
			t.Fatalf("count = %d, want %d", count, i)
		}
		if i < 3 && tr.Phase() != PhaseExitWarned {
			t.Fatalf("phase after exit %d = %s", i, tr.Phase())
		}
	}

	if tr.Phase() != PhaseTerminal {
		t.Fatalf("phase = %s, want TERMINAL", tr.Phase())
	}
	if h.submissionCount() != 1 {
		t.Fatalf("submissions = %d, want 1", h.submissionCount())
	}
	sub := h.submissions[0]
	if !sub.AutoSubmitted || sub.ExitCount != 3 || sub.Answers["q1"] != "A" {
		t.Errorf("submission = %+v", sub)
	}
	if len(h.exits) != 3 || !h.exits[2].Forced || h.exits[1].Forced {
		t.Errorf("exit notices = %+v", h.exits)
	}

	// Terminal is absorbing.
	if _, err := tr.RecordExit(ctx, EventVisibility); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("4th exit err = %v", err)
	}
	if h.submissionCount() != 1 {
		t.Errorf("submissions after 4th exit = %d", h.submissionCount())
	}
	if _, err := h.store.Get(ctx, tr.Key()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("snapshot should be cleared after submission, err = %v", err)
	}
}

func TestRecordExitConcurrentCallersSubmitOnce(t *testing.T) {
	h := newHarness()
	opts := h.options()
	opts.ExitThreshold = 5
	tr := h.tracker(opts)
	mustStart(t, tr)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.RecordExit(ctx, EventVisibility)
		}()
	}
	wg.Wait()

	if h.submissionCount() != 1 {
		t.Fatalf("submissions = %d, want 1", h.submissionCount())
	}
	if got := tr.State().ExitCount; got != 5 {
		t.Fatalf("exit count = %d, want 5", got)
	}
	if h.submissions[0].ExitCount != 5 {
		t.Errorf("payload exit count = %d", h.submissions[0].ExitCount)
	}
}

func TestStopFromExitCallbackDoesNotDeadlock(t *testing.T) {
	h := newHarness()
	opts := h.options()
	var tr *Tracker
	opts.OnExit = func(ExitNotice) { tr.Stop() }
	opts.OnSubmit = func(model.Submission) { tr.Stop() }
	tr = h.tracker(opts)
	mustStart(t, tr)

	done := make(chan struct{})
	go func() {
		_, _ = tr.RecordExit(context.Background(), EventFullscreen)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecordExit deadlocked when the callback called Stop")
	}
	if tr.Running() {
		t.Error("tracker still running after Stop")
	}
}

/* ---------------- host events ---------------- */

func TestHostEventsDriveSnapshotsAndExits(t *testing.T) {
	h := newHarness()
	tr := h.tracker(h.options())
	mustStart(t, tr)
	defer tr.Stop()

	h.answers.set("q1", "A")
	h.bus.Publish(HostEvent{Kind: EventPageHide})
	if h.store.Writes() != 1 {
		t.Fatalf("pagehide should snapshot, writes = %d", h.store.Writes())
	}

	h.answers.set("q2", "B")
	h.bus.Publish(HostEvent{Kind: EventVisibility, Hidden: true})
	if h.store.Writes() != 2 {
		t.Fatalf("hidden tab should snapshot, writes = %d", h.store.Writes())
	}
	if tr.State().ExitCount != 1 {
		t.Fatalf("exit count = %d, want 1", tr.State().ExitCount)
	}

	// Coming back into view is not an exit.
	h.bus.Publish(HostEvent{Kind: EventVisibility, Hidden: false})
	h.bus.Publish(HostEvent{Kind: EventFullscreen, Hidden: false})
	if tr.State().ExitCount != 1 {
		t.Fatalf("exit count = %d after returning, want 1", tr.State().ExitCount)
	}

	h.bus.Publish(HostEvent{Kind: EventFullscreen, Hidden: true})
	if tr.State().ExitCount != 2 {
		t.Fatalf("exit count = %d, want 2", tr.State().ExitCount)
	}
}

/* ---------------- lifecycle ---------------- */

func TestDoubleStartIsRejected(t *testing.T) {
	h := newHarness()
	tr := h.tracker(h.options())
	mustStart(t, tr)
	defer tr.Stop()

	if _, err := tr.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start err = %v, want ErrAlreadyStarted", err)
	}
	if h.bus.Len() != 1 {
		t.Fatalf("listeners = %d, want 1", h.bus.Len())
	}
}

func TestStartAfterStopRearms(t *testing.T) {
	h := newHarness()
	tr := h.tracker(h.options())
	mustStart(t, tr)
	tr.Stop()
	if h.bus.Len() != 0 {
		t.Fatalf("listeners after Stop = %d", h.bus.Len())
	}
	if _, err := tr.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer tr.Stop()
	if h.bus.Len() != 1 || !tr.Running() {
		t.Fatalf("restart did not re-arm: listeners=%d running=%v", h.bus.Len(), tr.Running())
	}
}

func TestStopIsIdempotentAfterSubmit(t *testing.T) {
	h := newHarness()
	tr := h.tracker(h.options())
	mustStart(t, tr)

	if _, err := tr.Submit(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	tr.Stop()
	tr.Stop()
	tr.Stop()

	if h.submissionCount() != 1 {
		t.Errorf("submissions = %d, want 1", h.submissionCount())
	}
	if h.bus.Len() != 0 {
		t.Errorf("listeners = %d, want 0", h.bus.Len())
	}
	if _, err := tr.Submit(context.Background(), false); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("second Submit err = %v", err)
	}
	if _, err := tr.Start(context.Background()); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("Start after submit err = %v", err)
	}
	if saved, _ := tr.Snapshot(context.Background()); saved {
		t.Error("snapshot written after submission")
	}
}

func TestSubmitPayload(t *testing.T) {
	h := newHarness()
	tr := h.tracker(h.options())
	mustStart(t, tr)
	ctx := context.Background()

	h.answers.set("q1", "A")
	h.answers.set("q2", "D")
	_, _ = tr.RecordExit(ctx, EventVisibility)
	h.clock.Advance(42 * time.Minute)

	sub, err := tr.Submit(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if sub.AutoSubmitted || sub.ExitCount != 1 || sub.DurationSeconds != 42*60 || len(sub.Answers) != 2 {
		t.Errorf("submission = %+v", sub)
	}
	if !tr.State().Terminal {
		t.Error("state not terminal")
	}
}

func TestSubmitKeepsSnapshotWhenConfigured(t *testing.T) {
	h := newHarness()
	opts := h.options()
	opts.ClearOnSubmit = false
	tr := h.tracker(opts)
	mustStart(t, tr)
	ctx := context.Background()

	h.answers.set("q1", "A")
	if _, err := tr.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Submit(ctx, false); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Get(ctx, tr.Key()); err != nil {
		t.Errorf("snapshot should remain, err = %v", err)
	}
}

func TestAbandonClearsSnapshot(t *testing.T) {
	h := newHarness()
	tr := h.tracker(h.options())
	mustStart(t, tr)
	ctx := context.Background()

	h.answers.set("q1", "A")
	_, _ = tr.Snapshot(ctx)
	if err := tr.Abandon(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Get(ctx, tr.Key()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("snapshot not cleared, err = %v", err)
	}
	if h.submissionCount() != 0 {
		t.Error("abandon must not submit")
	}
	if err := tr.Abandon(ctx); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("second Abandon err = %v", err)
	}
}

func TestTickerSnapshotsUntilStopped(t *testing.T) {
	h := newHarness()
	opts := h.options()
	opts.SnapshotInterval = 5 * time.Millisecond
	tr := h.tracker(opts)
	h.answers.set("q1", "A")
	mustStart(t, tr)

	deadline := time.Now().Add(2 * time.Second)
	for h.store.Writes() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ticker never wrote a snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	tr.Stop()
	writes := h.store.Writes()
	h.answers.set("q1", "B")
	time.Sleep(50 * time.Millisecond)
	if h.store.Writes() != writes {
		t.Fatalf("writes grew from %d to %d after Stop", writes, h.store.Writes())
	}
}

/* ---------------- resume ---------------- */

func TestStartOffersFreshSnapshot(t *testing.T) {
	h := newHarness()
	h.seedSnapshot(t, h.clock.Now().Add(-23*time.Hour), map[string]string{"q1": "A"}, 2)

	tr := h.tracker(h.options())
	offer := mustStart(t, tr)
	defer tr.Stop()

	if offer == nil {
		t.Fatal("expected a resume offer for a 23h old snapshot")
	}
	if offer.ExitCount != 2 || offer.Snapshot.Answers["q1"] != "A" {
		t.Errorf("offer = %+v", offer)
	}
}

func TestStartIgnoresStaleSnapshot(t *testing.T) {
	h := newHarness()
	h.seedSnapshot(t, h.clock.Now().Add(-25*time.Hour), map[string]string{"q1": "A"}, 1)

	tr := h.tracker(h.options())
	if offer := mustStart(t, tr); offer != nil {
		t.Fatalf("unexpected offer for a 25h old snapshot: %+v", offer)
	}
	tr.Stop()
	if tr.State().ExitCount != 0 {
		t.Errorf("exit count = %d", tr.State().ExitCount)
	}
}

func TestStartWithMalformedSnapshotStartsFresh(t *testing.T) {
	h := newHarness()
	h.seed(t, "{this is not json")

	tr := h.tracker(h.options())
	offer := mustStart(t, tr)
	defer tr.Stop()

	if offer != nil {
		t.Fatalf("offer = %+v, want none", offer)
	}
	if st := tr.State(); st.ExitCount != 0 || st.Terminal {
		t.Errorf("state = %+v, want fresh", st)
	}
	if tr.Phase() != PhaseActive {
		t.Errorf("phase = %s", tr.Phase())
	}
}

func TestAcceptResumeRestoresSession(t *testing.T) {
	h := newHarness()
	h.seedSnapshot(t, h.clock.Now().Add(-time.Hour), map[string]string{"q1": "A"}, 2)

	tr := h.tracker(h.options())
	mustStart(t, tr)
	defer tr.Stop()
	ctx := context.Background()

	if _, err := tr.AcceptResume(ctx); err != nil {
		t.Fatal(err)
	}
	if tr.State().ExitCount != 2 || tr.Phase() != PhaseExitWarned {
		t.Fatalf("exit count = %d phase = %s", tr.State().ExitCount, tr.Phase())
	}

	writesBefore := h.store.Writes()
	h.answers.set("q1", "A")
	if saved, _ := tr.Snapshot(ctx); saved || h.store.Writes() != writesBefore {
		t.Fatal("unchanged resumed answers should not be rewritten")
	}

	h.clock.Advance(10 * time.Second)
	h.answers.set("q2", "B")
	if saved, _ := tr.Snapshot(ctx); !saved {
		t.Fatal("changed answers should be written")
	}
	if st := tr.State(); st.LastSnapshot.ElapsedSeconds != 610 {
		t.Errorf("elapsed = %d, want 610 (600 restored + 10)", st.LastSnapshot.ElapsedSeconds)
	}

	// One more exit reaches the threshold of 3.
	if _, err := tr.RecordExit(ctx, EventVisibility); err != nil {
		t.Fatal(err)
	}
	if h.submissionCount() != 1 || h.submissions[0].ExitCount != 3 {
		t.Errorf("submissions = %+v", h.submissions)
	}
}

func TestDiscardResumeClearsSnapshot(t *testing.T) {
	h := newHarness()
	h.seedSnapshot(t, h.clock.Now().Add(-time.Hour), map[string]string{"q1": "A"}, 0)

	tr := h.tracker(h.options())
	mustStart(t, tr)
	defer tr.Stop()
	ctx := context.Background()

	if err := tr.DiscardResume(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Get(ctx, tr.Key()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("declined snapshot still stored, err = %v", err)
	}
	if _, err := tr.AcceptResume(ctx); !errors.Is(err, ErrNoResumeOffer) {
		t.Errorf("AcceptResume after discard err = %v", err)
	}
}

func TestCheckResumeWindow(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	cases := []struct {
		name string
		raw  func() string
		want bool
	}{
		{"missing", nil, false},
		{"23h old", recordAt(now.Add(-23 * time.Hour)), true},
		{"25h old", recordAt(now.Add(-25 * time.Hour)), false},
		{"malformed", func() string { return "not-json" }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			if tc.raw != nil {
				_ = st.Set(ctx, "k", tc.raw())
			}
			writes := st.Writes()

			status, err := CheckResume(ctx, st, "k", now, DefaultResumeWindow)
			if err != nil {
				t.Fatal(err)
			}
			if status.Resumable != tc.want {
				t.Errorf("resumable = %v, want %v", status.Resumable, tc.want)
			}
			if st.Writes() != writes {
				t.Error("CheckResume must not write")
			}
		})
	}
}

func recordAt(at time.Time) func() string {
	return func() string {
		raw, _ := model.NewSnapshotRecord("e", "u", model.SessionSnapshot{
			Answers:    map[string]string{"q1": "A"},
			CapturedAt: at,
		}, 0).Encode()
		return raw
	}
}

func TestPendingOfferBlocksWrites(t *testing.T) {
	h := newHarness()
	h.seedSnapshot(t, h.clock.Now().Add(-time.Hour), map[string]string{"q1": "A"}, 0)

	tr := h.tracker(h.options())
	mustStart(t, tr)
	defer tr.Stop()
	ctx := context.Background()

	// The page is still empty while the prompt is open.
	if saved, _ := tr.Snapshot(ctx); saved {
		t.Fatal("snapshot overwrote the stored attempt before the prompt was answered")
	}
	raw, _ := h.store.Get(ctx, tr.Key())
	if rec, _ := model.DecodeSnapshotRecord(raw); rec.Answers["q1"] != "A" {
		t.Fatalf("stored answers changed: %+v", rec.Answers)
	}

	if err := tr.DiscardResume(ctx); err != nil {
		t.Fatal(err)
	}
	if saved, err := tr.Snapshot(ctx); !saved || err != nil {
		t.Fatalf("after declining, snapshot saved=%v err=%v", saved, err)
	}
}

func TestStartIgnoresRecordOfAnotherAttempt(t *testing.T) {
	h := newHarness()
	// A record for exam "exam-1"/user "user-7" planted under another
	// attempt's key must not be offered to that attempt.
	rec := model.NewSnapshotRecord("exam-1", "user-7", model.SessionSnapshot{
		Answers:    map[string]string{"q1": "SECRET"},
		CapturedAt: h.clock.Now().Add(-time.Minute),
	}, 1)
	raw, err := rec.Encode()
	if err != nil {
		t.Fatal(err)
	}
	other := New("exam", "1_user-7", h.store, h.answers, h.bus, h.options(), zerolog.Nop())
	if err := h.store.Set(context.Background(), other.Key(), raw); err != nil {
		t.Fatal(err)
	}

	offer := mustStart(t, other)
	defer other.Stop()
	if offer != nil {
		t.Fatalf("offered another attempt's answers: %+v", offer.Snapshot.Answers)
	}
	if st := other.State(); st.ExitCount != 0 {
		t.Errorf("exit count = %d, want 0", st.ExitCount)
	}

	status, err := CheckAttemptResume(context.Background(), h.store, "exam", "1_user-7", h.clock.Now(), DefaultResumeWindow)
	if err != nil {
		t.Fatal(err)
	}
	if status.Resumable {
		t.Error("CheckAttemptResume reported another attempt's record as resumable")
	}
}

func TestDistinctAttemptsDoNotShareKeys(t *testing.T) {
	h := newHarness()
	a := New("a_b", "c", h.store, h.answers, nil, h.options(), zerolog.Nop())
	b := New("a", "b_c", h.store, h.answers, nil, h.options(), zerolog.Nop())
	if a.Key() == b.Key() {
		t.Fatalf("both attempts use key %q", a.Key())
	}
}

func TestFailedLookupNeverOverwritesStoredAttempt(t *testing.T) {
	h := newHarness()
	h.seedSnapshot(t, h.clock.Now().Add(-time.Hour), map[string]string{"q1": "A", "q2": "B"}, 2)

	var offered []ResumeOffer
	opts := h.options()
	opts.OnResumeOffer = func(o ResumeOffer) { offered = append(offered, o) }

	h.store.SetReadFailure(errors.New("connection reset"))
	tr := h.tracker(opts)
	if offer := mustStart(t, tr); offer != nil {
		t.Fatalf("offer = %+v, want none while storage is unreadable", offer)
	}
	defer tr.Stop()
	ctx := context.Background()

	// Still unreadable: the snapshot stays in memory and nothing is written.
	writes := h.store.Writes()
	saved, err := tr.Snapshot(ctx)
	if saved || !errors.Is(err, ErrPersistenceUnavailable) {
		t.Fatalf("saved=%v err=%v, want ErrPersistenceUnavailable", saved, err)
	}
	if h.store.Writes() != writes {
		t.Fatal("snapshot written without knowing what is stored")
	}

	// Storage recovers: the stored attempt is offered instead of overwritten.
	h.store.SetReadFailure(nil)
	if saved, err := tr.Snapshot(ctx); saved || err != nil {
		t.Fatalf("saved=%v err=%v after recovery", saved, err)
	}
	if len(offered) != 1 || offered[0].ExitCount != 2 || offered[0].Snapshot.Answers["q2"] != "B" {
		t.Fatalf("offered = %+v", offered)
	}
	raw, _ := h.store.Get(ctx, tr.Key())
	rec, err := model.DecodeSnapshotRecord(raw)
	if err != nil || rec.ExitCount != 2 || len(rec.Answers) != 2 {
		t.Fatalf("stored record changed: %+v err=%v", rec, err)
	}

	if _, err := tr.AcceptResume(ctx); err != nil {
		t.Fatal(err)
	}
	if st := tr.State(); st.ExitCount != 2 {
		t.Errorf("exit count = %d, want 2 restored", st.ExitCount)
	}
}

func TestFailedLookupWithoutStoredAttemptResumesWrites(t *testing.T) {
	h := newHarness()
	h.store.SetReadFailure(errors.New("timeout"))
	tr := h.tracker(h.options())
	mustStart(t, tr)
	defer tr.Stop()

	h.store.SetReadFailure(nil)
	h.answers.set("q1", "A")
	if saved, err := tr.Snapshot(context.Background()); !saved || err != nil {
		t.Fatalf("saved=%v err=%v", saved, err)
	}
}

func TestExitsBeforeAcceptingAddToStoredCount(t *testing.T) {
	h := newHarness()
	h.seedSnapshot(t, h.clock.Now().Add(-time.Hour), map[string]string{"q1": "A"}, 2)

	tr := h.tracker(h.options())
	mustStart(t, tr)
	defer tr.Stop()
	ctx := context.Background()

	if _, err := tr.RecordExit(ctx, EventVisibility); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.AcceptResume(ctx); err != nil {
		t.Fatal(err)
	}
	if h.submissionCount() != 1 || h.submissions[0].ExitCount != 3 || !h.submissions[0].AutoSubmitted {
		t.Fatalf("submissions = %+v, want one forced submission at 3 exits", h.submissions)
	}
}
