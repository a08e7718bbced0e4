package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/store"
	"github.com/stemsi/exstem-proctor/internal/tracker"
)

var (
	ErrSessionNotFound = errors.New("no active attempt for this exam")
	ErrSessionExists   = errors.New("attempt already open on another connection")
)

// callbackTimeout bounds queue and pub/sub calls made from tracker callbacks.
const callbackTimeout = 3 * time.Second

// Broker carries submissions and exit events to the persistence workers and
// live monitors.
type Broker interface {
	Enqueue(ctx context.Context, queue string, payload []byte) error
	Publish(ctx context.Context, channel string, payload []byte) error
}

// AttemptObserver receives the side-channel notifications of one attempt,
// typically the student's WebSocket connection.
type AttemptObserver interface {
	Saved(at time.Time)
	ExitWarning(n tracker.ExitNotice)
	// ResumeOffered reports an offer found after Begin returned.
	ResumeOffered(offer tracker.ResumeOffer)
	Submitted(sub model.Submission)
	Abandoned()
}

// MonitorMessage is published on the exam monitor channel.
type MonitorMessage struct {
	Type       string            `json:"type"`
	UserID     string            `json:"user_id"`
	ExitCount  int               `json:"exit_count,omitempty"`
	Threshold  int               `json:"threshold,omitempty"`
	Submission *model.Submission `json:"submission,omitempty"`
	At         time.Time         `json:"at"`
}

type attempt struct {
	examID   string
	userID   string
	tracker  *tracker.Tracker
	sheet    *AnswerSheet
	bus      *tracker.EventBus
	observer AttemptObserver

	mu    sync.Mutex
	offer *tracker.ResumeOffer
}

// ExamSessionService keeps exactly one tracker per (exam, user) attempt.
type ExamSessionService struct {
	store  store.Store
	broker Broker
	cfg    config.TrackerConfig
	now    func() time.Time
	log    zerolog.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(st store.Store, broker Broker, cfg config.TrackerConfig, log zerolog.Logger) *ExamSessionService {
	return &ExamSessionService{
		store:    st,
		broker:   broker,
		cfg:      cfg,
		now:      time.Now,
		log:      log.With().Str("component", "exam_session_service").Logger(),
		attempts: make(map[string]*attempt),
	}
}

// CheckResume reports whether a fresh snapshot exists. It never writes.
func (s *ExamSessionService) CheckResume(ctx context.Context, examID, userID string) (model.ResumeStatus, error) {
	status, err := tracker.CheckAttemptResume(ctx, s.store, examID, userID, s.now(), s.cfg.ResumeWindow)
	if err != nil {
		return model.ResumeStatus{}, fmt.Errorf("check resume: %w", err)
	}
	return status, nil
}

// Begin opens the attempt and starts tracking it. A non-nil offer means a
// previous attempt can be resumed; answer it with ResolveResume.
func (s *ExamSessionService) Begin(ctx context.Context, examID, userID string, obs AttemptObserver) (*tracker.ResumeOffer, error) {
	key := config.CacheKey.AutosaveKey(examID, userID)

	s.mu.Lock()
	if _, exists := s.attempts[key]; exists {
		s.mu.Unlock()
		return nil, ErrSessionExists
	}
	a := &attempt{
		examID:   examID,
		userID:   userID,
		sheet:    NewAnswerSheet(),
		bus:      tracker.NewEventBus(),
		observer: obs,
	}
	a.tracker = tracker.New(examID, userID, s.store, a.sheet, a.bus, s.trackerOptions(a), s.log)
	s.attempts[key] = a
	s.mu.Unlock()

	offer, err := a.tracker.Start(ctx)
	if err != nil {
		s.forget(key, a)
		return nil, fmt.Errorf("start tracker: %w", err)
	}

	a.mu.Lock()
	a.offer = offer
	a.mu.Unlock()

	s.log.Info().
		Str("exam_id", examID).
		Str("user_id", userID).
		Bool("resumable", offer != nil).
		Msg("Attempt opened")

	return offer, nil
}

// ResolveResume applies the student's answer to the resume prompt.
func (s *ExamSessionService) ResolveResume(ctx context.Context, examID, userID string, accept bool) (*model.SessionState, error) {
	a, err := s.lookup(examID, userID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	offer := a.offer
	a.offer = nil
	a.mu.Unlock()
	if offer == nil {
		return nil, tracker.ErrNoResumeOffer
	}

	if accept {
		// Fill the sheet first so no tick can persist an empty page.
		a.sheet.Restore(offer.Snapshot)
		if _, err := a.tracker.AcceptResume(ctx); err != nil {
			return nil, err
		}
	} else if err := a.tracker.DiscardResume(ctx); err != nil && !errors.Is(err, tracker.ErrPersistenceUnavailable) {
		return nil, err
	}

	st := a.tracker.State()
	return &st, nil
}

// SaveAnswer records an answer on the attempt's sheet. Persistence happens
// on the next snapshot.
func (s *ExamSessionService) SaveAnswer(examID, userID, questionID, answer string) error {
	a, err := s.lookup(examID, userID)
	if err != nil {
		return err
	}
	a.sheet.Set(questionID, answer)
	return nil
}

// Navigate moves the attempt's active question.
func (s *ExamSessionService) Navigate(examID, userID string, questionID int) error {
	a, err := s.lookup(examID, userID)
	if err != nil {
		return err
	}
	a.sheet.Navigate(questionID)
	return nil
}

// Signal relays a host event (visibility, fullscreen, pagehide, unload).
func (s *ExamSessionService) Signal(examID, userID string, ev tracker.HostEvent) error {
	a, err := s.lookup(examID, userID)
	if err != nil {
		return err
	}
	a.bus.Publish(ev)
	return nil
}

// SaveNow forces a snapshot outside the ticker.
func (s *ExamSessionService) SaveNow(ctx context.Context, examID, userID string) (bool, error) {
	a, err := s.lookup(examID, userID)
	if err != nil {
		return false, err
	}
	return a.tracker.Snapshot(ctx)
}

// Submit ends the attempt at the student's request.
func (s *ExamSessionService) Submit(ctx context.Context, examID, userID string) (*model.Submission, error) {
	a, err := s.lookup(examID, userID)
	if err != nil {
		return nil, err
	}
	return a.tracker.Submit(ctx, false)
}

// Abandon ends the attempt without submitting and clears its snapshot.
func (s *ExamSessionService) Abandon(ctx context.Context, examID, userID string) error {
	a, err := s.lookup(examID, userID)
	if err != nil {
		return err
	}
	defer s.forget(a.tracker.Key(), a)
	if err := a.tracker.Abandon(ctx); err != nil {
		return err
	}

	s.publish(ctx, a.examID, MonitorMessage{Type: "abandoned", UserID: a.userID, At: s.now()})
	if a.observer != nil {
		a.observer.Abandoned()
	}
	return nil
}

// State returns the tracker state of an open attempt.
func (s *ExamSessionService) State(examID, userID string) (*model.SessionState, error) {
	a, err := s.lookup(examID, userID)
	if err != nil {
		return nil, err
	}
	st := a.tracker.State()
	return &st, nil
}

// Detach is called when the student's connection goes away: the latest
// answers are saved, tracking stops, and the stored snapshot is left in
// place for a later resume.
func (s *ExamSessionService) Detach(ctx context.Context, examID, userID string) {
	a, err := s.lookup(examID, userID)
	if err != nil {
		return
	}
	s.release(ctx, a)
}

// Shutdown detaches every open attempt.
func (s *ExamSessionService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	open := make([]*attempt, 0, len(s.attempts))
	for _, a := range s.attempts {
		open = append(open, a)
	}
	s.mu.Unlock()

	for _, a := range open {
		s.release(ctx, a)
	}
	s.log.Info().Int("attempts", len(open)).Msg("Open attempts detached")
}

// ExamAttempts returns the state of every open attempt of one exam, for
// the proctor monitor.
func (s *ExamSessionService) ExamAttempts(examID string) []model.SessionState {
	s.mu.Lock()
	open := make([]*attempt, 0)
	for _, a := range s.attempts {
		if a.examID == examID {
			open = append(open, a)
		}
	}
	s.mu.Unlock()

	states := make([]model.SessionState, 0, len(open))
	for _, a := range open {
		states = append(states, a.tracker.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].UserID < states[j].UserID })
	return states
}

// OpenAttempts returns how many attempts are being tracked.
func (s *ExamSessionService) OpenAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

// ─── internals ──────────────────────────────────────────────────────

func (s *ExamSessionService) release(ctx context.Context, a *attempt) {
	if _, err := a.tracker.Snapshot(ctx); err != nil {
		s.log.Warn().Err(err).Str("session_key", a.tracker.Key()).Msg("Final snapshot failed on detach")
	}
	a.tracker.Stop()
	s.forget(a.tracker.Key(), a)
}

func (s *ExamSessionService) lookup(examID, userID string) (*attempt, error) {
	key := config.CacheKey.AutosaveKey(examID, userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[key]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return a, nil
}

// forget drops key only if it still maps to a, so a late callback cannot
// evict a newer attempt.
func (s *ExamSessionService) forget(key string, a *attempt) {
	s.mu.Lock()
	if cur, ok := s.attempts[key]; ok && cur == a {
		delete(s.attempts, key)
	}
	s.mu.Unlock()
}

func (s *ExamSessionService) trackerOptions(a *attempt) tracker.Options {
	opts := tracker.OptionsFromConfig(s.cfg)
	opts.Now = s.now
	opts.OnSave = func(at time.Time) {
		if a.observer != nil {
			a.observer.Saved(at)
		}
	}
	opts.OnExit = func(n tracker.ExitNotice) {
		s.onExit(a, n)
	}
	opts.OnSubmit = func(sub model.Submission) {
		s.onSubmit(a, sub)
	}
	opts.OnResumeOffer = func(offer tracker.ResumeOffer) {
		a.mu.Lock()
		a.offer = &offer
		a.mu.Unlock()
		if a.observer != nil {
			a.observer.ResumeOffered(offer)
		}
	}
	return opts
}

func (s *ExamSessionService) onExit(a *attempt, n tracker.ExitNotice) {
	if a.observer != nil {
		a.observer.ExitWarning(n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	now := s.now()
	s.enqueue(ctx, config.WorkerKey.PersistExitEventsQueue, model.ExitEvent{
		ExamID:     a.examID,
		UserID:     a.userID,
		Kind:       string(n.Kind),
		Count:      n.Count,
		Threshold:  n.Threshold,
		RecordedAt: now,
	})
	s.publish(ctx, a.examID, MonitorMessage{
		Type:      "exit",
		UserID:    a.userID,
		ExitCount: n.Count,
		Threshold: n.Threshold,
		At:        now,
	})
}

func (s *ExamSessionService) onSubmit(a *attempt, sub model.Submission) {
	s.forget(a.tracker.Key(), a)

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	s.enqueue(ctx, config.WorkerKey.PersistSubmissionsQueue, sub)
	s.publish(ctx, a.examID, MonitorMessage{
		Type:       "submitted",
		UserID:     a.userID,
		ExitCount:  sub.ExitCount,
		Submission: &sub,
		At:         sub.SubmittedAt,
	})

	if a.observer != nil {
		a.observer.Submitted(sub)
	}
}

func (s *ExamSessionService) enqueue(ctx context.Context, queue string, v interface{}) {
	if s.broker == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Str("queue", queue).Msg("Marshal error")
		return
	}
	if err := s.broker.Enqueue(ctx, queue, payload); err != nil {
		s.log.Error().Err(err).Str("queue", queue).Msg("Enqueue failed")
	}
}

func (s *ExamSessionService) publish(ctx context.Context, examID string, msg MonitorMessage) {
	if s.broker == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.broker.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID), payload); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID).Msg("Monitor publish failed")
	}
}
