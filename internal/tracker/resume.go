package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/store"
)

// DefaultResumeWindow is how long a stored snapshot stays eligible for resume.
const DefaultResumeWindow = 24 * time.Hour

// ResumeOffer describes a prior attempt the student may continue.
type ResumeOffer struct {
	Snapshot  model.SessionSnapshot `json:"snapshot"`
	ExitCount int                   `json:"exit_count"`
	Age       time.Duration         `json:"-"`
}

// ErrForeignRecord is returned when the record under a key was written for a
// different (exam, user) pair. It is treated like a missing record.
var ErrForeignRecord = errors.New("snapshot belongs to another attempt")

// CheckResume reports whether key holds a snapshot younger than window.
// It never writes. Missing or malformed values are simply "not resumable";
// only backend failures are returned as errors.
func CheckResume(ctx context.Context, st store.Store, key string, now time.Time, window time.Duration) (model.ResumeStatus, error) {
	return checkResume(ctx, st, key, owner{}, now, window)
}

// CheckAttemptResume is CheckResume for the attempt's own key, ignoring any
// record that was not written for examID and userID.
func CheckAttemptResume(ctx context.Context, st store.Store, examID, userID string, now time.Time, window time.Duration) (model.ResumeStatus, error) {
	key := config.CacheKey.AutosaveKey(examID, userID)
	return checkResume(ctx, st, key, owner{examID: examID, userID: userID}, now, window)
}

func checkResume(ctx context.Context, st store.Store, key string, who owner, now time.Time, window time.Duration) (model.ResumeStatus, error) {
	offer, err := loadOffer(ctx, st, key, who, now, window)
	if err != nil {
		if unusableRecord(err) {
			return model.ResumeStatus{}, nil
		}
		return model.ResumeStatus{}, err
	}
	if offer == nil {
		return model.ResumeStatus{}, nil
	}
	captured := offer.Snapshot.CapturedAt
	return model.ResumeStatus{
		Resumable:  true,
		CapturedAt: &captured,
		AgeSeconds: int(offer.Age / time.Second),
	}, nil
}

// owner identifies the attempt a record must belong to. The zero value
// accepts any record.
type owner struct {
	examID string
	userID string
}

func (o owner) owns(rec model.SnapshotRecord) bool {
	if o == (owner{}) {
		return true
	}
	return rec.ExamID == o.examID && rec.UserID == o.userID
}

// unusableRecord reports whether err means the stored value exists but can
// never be resumed, as opposed to the backend failing.
func unusableRecord(err error) bool {
	return errors.Is(err, model.ErrMalformedRecord) || errors.Is(err, ErrForeignRecord)
}

// loadOffer returns nil, nil when there is nothing fresh to resume.
func loadOffer(ctx context.Context, st store.Store, key string, who owner, now time.Time, window time.Duration) (*ResumeOffer, error) {
	if window <= 0 {
		window = DefaultResumeWindow
	}

	raw, err := st.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	rec, err := model.DecodeSnapshotRecord(raw)
	if err != nil {
		return nil, err
	}
	if !who.owns(rec) {
		return nil, fmt.Errorf("%w: exam %q user %q", ErrForeignRecord, rec.ExamID, rec.UserID)
	}

	snap := rec.Snapshot()
	age := now.Sub(snap.CapturedAt)
	if age < 0 {
		age = 0
	}
	if age >= window {
		return nil, nil
	}

	return &ResumeOffer{Snapshot: snap, ExitCount: rec.ExitCount, Age: age}, nil
}
