// Package tracker owns the lifecycle of a single exam attempt: periodic
// autosave with write suppression, exit counting with forced submission at a
// threshold, and assembly of the final submission.
//
// Every operation runs its read-compare-write section under one mutex, and
// callbacks are always invoked after that mutex is released so they may call
// back into the tracker (Stop in particular).
package tracker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/store"
)

var (
	ErrAlreadyStarted         = errors.New("tracker already started")
	ErrNotStarted             = errors.New("tracker not started")
	ErrSessionTerminal        = errors.New("session already terminated")
	ErrNoResumeOffer          = errors.New("no resume offer pending")
	ErrPersistenceUnavailable = errors.New("snapshot kept in memory, storage unavailable")
)

// hostEventTimeout bounds storage calls made on behalf of a host event or tick.
const hostEventTimeout = 5 * time.Second

// Phase is the attempt's position in Idle → Active ⇄ ExitWarned → Terminal.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseActive     Phase = "ACTIVE"
	PhaseExitWarned Phase = "EXIT_WARNED"
	PhaseTerminal   Phase = "TERMINAL"
)

// AnswerProvider exposes the student's current answers and the question on screen.
type AnswerProvider interface {
	Answers() map[string]string
	CurrentQuestion() int
}

// ExitNotice is passed to OnExit for every recorded exit.
type ExitNotice struct {
	Kind      EventKind
	Count     int
	Threshold int
	// Forced is true when this exit triggered the automatic submission.
	Forced bool
}

// Options tunes a Tracker. Zero durations and thresholds fall back to
// config.DefaultTrackerConfig; ClearOnSubmit is taken as given.
type Options struct {
	SnapshotInterval time.Duration
	ExitThreshold    int
	ResumeWindow     time.Duration
	ClearOnSubmit    bool

	Now      func() time.Time
	OnSave   func(savedAt time.Time)
	OnExit   func(ExitNotice)
	OnSubmit func(model.Submission)
	// OnResumeOffer fires when a resumable snapshot turns up after Start,
	// because storage could not be read when the attempt opened.
	OnResumeOffer func(ResumeOffer)
}

// OptionsFromConfig copies the tunables from cfg.
func OptionsFromConfig(cfg config.TrackerConfig) Options {
	return Options{
		SnapshotInterval: cfg.SnapshotInterval,
		ExitThreshold:    cfg.ExitThreshold,
		ResumeWindow:     cfg.ResumeWindow,
		ClearOnSubmit:    cfg.ClearOnSubmit,
	}
}

func (o Options) withDefaults() Options {
	def := config.DefaultTrackerConfig()
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = def.SnapshotInterval
	}
	if o.ExitThreshold <= 0 {
		o.ExitThreshold = def.ExitThreshold
	}
	if o.ResumeWindow <= 0 {
		o.ResumeWindow = def.ResumeWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Tracker tracks one (exam, user) attempt.
type Tracker struct {
	examID  string
	userID  string
	key     string
	store   store.Store
	answers AnswerProvider
	events  HostEvents
	opts    Options
	log     zerolog.Logger

	mu           sync.Mutex
	phase        Phase
	started      bool
	running      bool
	startedAt    time.Time
	exitCount    int
	last         *model.SessionSnapshot
	persisted    map[string]string
	hasPersisted bool
	// baselineUnknown is set while the stored record could not be read.
	// Nothing is written until a read succeeds.
	baselineUnknown bool
	lastSavedAt  time.Time
	offer        *ResumeOffer
	stopCh       chan struct{}
	unsubscribe  func()
}

// New creates an idle tracker. events may be nil when the host cannot report
// focus changes.
func New(examID, userID string, st store.Store, answers AnswerProvider, events HostEvents, opts Options, log zerolog.Logger) *Tracker {
	key := config.CacheKey.AutosaveKey(examID, userID)
	return &Tracker{
		examID:  examID,
		userID:  userID,
		key:     key,
		store:   st,
		answers: answers,
		events:  events,
		opts:    opts.withDefaults(),
		log: log.With().
			Str("component", "session_tracker").
			Str("session_key", key).
			Logger(),
		phase: PhaseIdle,
	}
}

// Key returns the storage key of this attempt.
func (t *Tracker) Key() string { return t.key }

// Start arms the snapshot ticker and subscribes to host events. The first
// Start also looks for a stored snapshot and returns a ResumeOffer when one
// is fresh enough; accepting or declining it is up to the caller.
//
// Start on a running tracker returns ErrAlreadyStarted and changes nothing.
// Start after Stop re-arms tracking without reloading or resetting the clock.
func (t *Tracker) Start(ctx context.Context) (*ResumeOffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase == PhaseTerminal {
		return nil, ErrSessionTerminal
	}
	if t.running {
		t.log.Warn().Msg("Start called on a running tracker, ignoring")
		return nil, ErrAlreadyStarted
	}

	var offer *ResumeOffer
	if !t.started {
		t.started = true
		t.phase = PhaseActive
		t.startedAt = t.opts.Now()

		var err error
		offer, err = loadOffer(ctx, t.store, t.key, t.owner(), t.startedAt, t.opts.ResumeWindow)
		switch {
		case unusableRecord(err):
			t.log.Warn().Err(err).Msg("Discarding unusable snapshot, starting fresh")
		case err != nil:
			t.baselineUnknown = true
			t.log.Warn().Err(err).Msg("Snapshot lookup failed, keeping attempt in memory until storage answers")
		case offer != nil:
			t.log.Info().
				Dur("age", offer.Age).
				Int("answers", len(offer.Snapshot.Answers)).
				Msg("Resumable snapshot found")
		}
		t.offer = offer
	}

	t.running = true
	t.stopCh = make(chan struct{})
	go t.run(t.stopCh, t.opts.SnapshotInterval)
	if t.events != nil {
		t.unsubscribe = t.events.Subscribe(t.handleHostEvent)
	}

	t.log.Debug().Dur("interval", t.opts.SnapshotInterval).Msg("Tracking started")
	return offer, nil
}

// AcceptResume continues the offered attempt: the clock is re-based on the
// snapshot's elapsed time, the stored exit count is added to any exits seen
// since Start and the snapshot becomes the write-suppression baseline.
// Restoring answers into the AnswerProvider is the caller's job.
func (t *Tracker) AcceptResume(ctx context.Context) (*ResumeOffer, error) {
	t.mu.Lock()
	if t.phase == PhaseTerminal {
		t.mu.Unlock()
		return nil, ErrSessionTerminal
	}
	offer := t.offer
	if offer == nil {
		t.mu.Unlock()
		return nil, ErrNoResumeOffer
	}
	t.offer = nil

	snap := offer.Snapshot.Clone()
	t.startedAt = t.opts.Now().Add(-time.Duration(snap.ElapsedSeconds) * time.Second)
	t.exitCount += offer.ExitCount
	if t.exitCount > 0 {
		t.phase = PhaseExitWarned
	}
	t.last = &snap
	t.persisted = maps.Clone(snap.Answers)
	t.hasPersisted = true
	t.lastSavedAt = snap.CapturedAt

	var sub *model.Submission
	if t.exitCount >= t.opts.ExitThreshold {
		sub = t.finishLocked(true)
	}
	t.mu.Unlock()

	if sub != nil {
		t.log.Warn().Int("exit_count", sub.ExitCount).Msg("Resumed attempt already at exit threshold")
		t.deliver(ctx, *sub)
	}
	return offer, nil
}

// DiscardResume declines the offer and removes the stored snapshot.
func (t *Tracker) DiscardResume(ctx context.Context) error {
	t.mu.Lock()
	if t.offer == nil {
		t.mu.Unlock()
		return ErrNoResumeOffer
	}
	t.offer = nil
	t.mu.Unlock()

	if err := t.store.Remove(ctx, t.key); err != nil {
		t.log.Warn().Err(err).Msg("Failed to clear declined snapshot")
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return nil
}

// Snapshot captures the current answers and persists them when they differ
// from the last persisted answers. It reports whether a write happened.
// Storage failures keep the snapshot in memory, are logged, and are
// returned wrapped in ErrPersistenceUnavailable; the next call retries.
func (t *Tracker) Snapshot(ctx context.Context) (bool, error) {
	t.mu.Lock()
	if !t.running || t.phase == PhaseTerminal {
		t.mu.Unlock()
		return false, nil
	}

	snap := t.captureLocked()
	t.last = &snap

	if t.baselineUnknown {
		offer, err := t.reloadLocked(ctx)
		if err != nil {
			t.mu.Unlock()
			t.log.Warn().Err(err).Msg("Snapshot lookup still failing, keeping snapshot in memory")
			return false, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
		}
		if offer != nil {
			onOffer := t.opts.OnResumeOffer
			t.mu.Unlock()
			if onOffer != nil {
				onOffer(*offer)
			}
			return false, nil
		}
	}

	// The stored attempt must survive until the student answers the resume prompt.
	if t.offer != nil {
		t.mu.Unlock()
		return false, nil
	}
	if t.hasPersisted && maps.Equal(snap.Answers, t.persisted) {
		t.mu.Unlock()
		return false, nil
	}

	raw, err := model.NewSnapshotRecord(t.examID, t.userID, snap, t.exitCount).Encode()
	if err == nil {
		err = t.store.Set(ctx, t.key, raw)
	}
	if err != nil {
		t.mu.Unlock()
		t.log.Warn().Err(err).Msg("Snapshot write failed, keeping it in memory")
		return false, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	t.persisted = maps.Clone(snap.Answers)
	t.hasPersisted = true
	t.lastSavedAt = snap.CapturedAt
	onSave := t.opts.OnSave
	t.mu.Unlock()

	if onSave != nil {
		onSave(snap.CapturedAt)
	}
	return true, nil
}

// RecordExit counts one loss of focus. The increment and the threshold check
// happen together; the exit that reaches the threshold ends the attempt with
// an automatic submission, exactly once.
func (t *Tracker) RecordExit(ctx context.Context, kind EventKind) (int, error) {
	t.mu.Lock()
	if t.phase == PhaseTerminal {
		count := t.exitCount
		t.mu.Unlock()
		return count, ErrSessionTerminal
	}
	if !t.running {
		count := t.exitCount
		t.mu.Unlock()
		return count, ErrNotStarted
	}

	t.exitCount++
	count := t.exitCount
	var sub *model.Submission
	if count >= t.opts.ExitThreshold {
		sub = t.finishLocked(true)
	} else {
		t.phase = PhaseExitWarned
	}
	onExit := t.opts.OnExit
	t.mu.Unlock()

	t.log.Info().
		Str("kind", string(kind)).
		Int("exit_count", count).
		Int("threshold", t.opts.ExitThreshold).
		Msg("Exit recorded")

	if onExit != nil {
		onExit(ExitNotice{Kind: kind, Count: count, Threshold: t.opts.ExitThreshold, Forced: sub != nil})
	}
	if sub != nil {
		t.deliver(ctx, *sub)
	}
	return count, nil
}

// Submit ends the attempt and returns the submission payload.
func (t *Tracker) Submit(ctx context.Context, autoSubmitted bool) (*model.Submission, error) {
	t.mu.Lock()
	if t.phase == PhaseTerminal {
		t.mu.Unlock()
		return nil, ErrSessionTerminal
	}
	if !t.started {
		t.mu.Unlock()
		return nil, ErrNotStarted
	}
	sub := t.finishLocked(autoSubmitted)
	t.mu.Unlock()

	t.deliver(ctx, *sub)
	return sub, nil
}

// Abandon ends the attempt without a submission and clears its snapshot.
func (t *Tracker) Abandon(ctx context.Context) error {
	t.mu.Lock()
	if t.phase == PhaseTerminal {
		t.mu.Unlock()
		return ErrSessionTerminal
	}
	t.phase = PhaseTerminal
	t.offer = nil
	t.stopLocked()
	t.mu.Unlock()

	t.log.Info().Msg("Attempt abandoned")
	if err := t.store.Remove(ctx, t.key); err != nil {
		t.log.Warn().Err(err).Msg("Failed to clear abandoned snapshot")
	}
	return nil
}

// Stop cancels the ticker and detaches host listeners. Safe to call any
// number of times and from inside any callback.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopLocked()
	t.mu.Unlock()
}

// State returns a copy of the attempt's state.
func (t *Tracker) State() model.SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := model.SessionState{
		SessionKey: t.key,
		ExamID:     t.examID,
		UserID:     t.userID,
		ExitCount:  t.exitCount,
		StartedAt:  t.startedAt,
		Terminal:   t.phase == PhaseTerminal,
	}
	if t.last != nil {
		snap := t.last.Clone()
		st.LastSnapshot = &snap
	}
	return st
}

// Phase returns the current phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Running reports whether the ticker and listeners are armed.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// LastSavedAt is the capture time of the last persisted snapshot (zero if none).
func (t *Tracker) LastSavedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSavedAt
}

// ─── internals ──────────────────────────────────────────────────────

func (t *Tracker) run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.tick(stop)
		}
	}
}

func (t *Tracker) tick(stop <-chan struct{}) {
	select {
	case <-stop:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), hostEventTimeout)
	defer cancel()
	_, _ = t.Snapshot(ctx)
}

func (t *Tracker) handleHostEvent(ev HostEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), hostEventTimeout)
	defer cancel()

	// Save first so answers typed just before leaving survive a forced submit.
	if ev.TriggersSave() {
		_, _ = t.Snapshot(ctx)
	}
	if ev.IsExit() {
		_, _ = t.RecordExit(ctx, ev.Kind)
	}
}

func (t *Tracker) captureLocked() model.SessionSnapshot {
	now := t.opts.Now()

	answers := maps.Clone(t.answers.Answers())
	if answers == nil {
		answers = map[string]string{}
	}
	current := t.answers.CurrentQuestion()
	if current <= 0 {
		current = 1
	}
	elapsed := int(now.Sub(t.startedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}

	return model.SessionSnapshot{
		Answers:           answers,
		CurrentQuestionID: current,
		ElapsedSeconds:    elapsed,
		CapturedAt:        now,
	}
}

func (t *Tracker) owner() owner {
	return owner{examID: t.examID, userID: t.userID}
}

// reloadLocked retries the lookup that failed in Start. A fresh record
// becomes the pending offer; anything else lets normal writes resume.
func (t *Tracker) reloadLocked(ctx context.Context) (*ResumeOffer, error) {
	offer, err := loadOffer(ctx, t.store, t.key, t.owner(), t.opts.Now(), t.opts.ResumeWindow)
	if err != nil && !unusableRecord(err) {
		return nil, err
	}
	t.baselineUnknown = false
	if err != nil {
		t.log.Warn().Err(err).Msg("Discarding unusable snapshot")
		return nil, nil
	}
	if offer != nil {
		t.offer = offer
		t.log.Info().
			Dur("age", offer.Age).
			Int("answers", len(offer.Snapshot.Answers)).
			Msg("Resumable snapshot found after storage recovered")
	}
	return offer, nil
}

// finishLocked moves the attempt to Terminal and builds its submission.
func (t *Tracker) finishLocked(autoSubmitted bool) *model.Submission {
	snap := t.captureLocked()
	t.last = &snap
	t.phase = PhaseTerminal
	t.offer = nil
	t.stopLocked()

	return &model.Submission{
		ExamID:          t.examID,
		UserID:          t.userID,
		Answers:         maps.Clone(snap.Answers),
		DurationSeconds: snap.ElapsedSeconds,
		AutoSubmitted:   autoSubmitted,
		ExitCount:       t.exitCount,
		SubmittedAt:     snap.CapturedAt,
	}
}

func (t *Tracker) stopLocked() {
	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
}

// deliver runs the post-submission side effects outside the lock.
func (t *Tracker) deliver(ctx context.Context, sub model.Submission) {
	if t.opts.ClearOnSubmit {
		if err := t.store.Remove(ctx, t.key); err != nil {
			t.log.Warn().Err(err).Msg("Failed to clear snapshot after submission")
		}
	}

	t.log.Info().
		Bool("auto_submitted", sub.AutoSubmitted).
		Int("exit_count", sub.ExitCount).
		Int("duration_seconds", sub.DurationSeconds).
		Int("answers", len(sub.Answers)).
		Msg("Attempt submitted")

	if t.opts.OnSubmit != nil {
		t.opts.OnSubmit(sub)
	}
}
