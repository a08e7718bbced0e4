package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// SessionSnapshot is a captured copy of in-progress answers and timing.
// A snapshot is never mutated after capture; the next one supersedes it.
type SessionSnapshot struct {
	Answers           map[string]string `json:"answers"`
	CurrentQuestionID int               `json:"current_question_id"`
	ElapsedSeconds    int               `json:"elapsed_seconds"`
	CapturedAt        time.Time         `json:"captured_at"`
}

// Clone returns a deep copy so callers cannot alias the answer map.
func (s SessionSnapshot) Clone() SessionSnapshot {
	s.Answers = maps.Clone(s.Answers)
	if s.Answers == nil {
		s.Answers = map[string]string{}
	}
	return s
}

// SessionState is the tracker's view of one attempt.
type SessionState struct {
	SessionKey   string           `json:"session_key"`
	ExamID       string           `json:"exam_id"`
	UserID       string           `json:"user_id"`
	LastSnapshot *SessionSnapshot `json:"last_snapshot,omitempty"`
	ExitCount    int              `json:"exit_count"`
	StartedAt    time.Time        `json:"started_at"`
	Terminal     bool             `json:"terminal"`
}

// Submission is handed to the results view / grading backend once an attempt ends.
type Submission struct {
	ExamID          string            `json:"exam_id"`
	UserID          string            `json:"user_id"`
	Answers         map[string]string `json:"answers"`
	DurationSeconds int               `json:"duration_seconds"`
	AutoSubmitted   bool              `json:"auto_submitted"`
	ExitCount       int               `json:"exit_count"`
	SubmittedAt     time.Time         `json:"submitted_at"`
}

// ExitEvent is queued for every detected focus loss so proctors can audit it later.
type ExitEvent struct {
	ExamID     string    `json:"exam_id"`
	UserID     string    `json:"user_id"`
	Kind       string    `json:"kind"`
	Count      int       `json:"count"`
	Threshold  int       `json:"threshold"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ErrMalformedRecord is returned when a persisted snapshot cannot be decoded.
var ErrMalformedRecord = errors.New("malformed snapshot record")

// SnapshotRecord is the stored form of a snapshot. CapturedAt is epoch milliseconds.
type SnapshotRecord struct {
	Answers           map[string]string `json:"answers"`
	CurrentQuestionID int               `json:"current_question_id"`
	ElapsedSeconds    int               `json:"elapsed_seconds"`
	CapturedAt        int64             `json:"captured_at"`
	ExamID            string            `json:"exam_id"`
	UserID            string            `json:"user_id"`
	ExitCount         int               `json:"exit_count"`
}

// NewSnapshotRecord builds the stored form of snap for the given attempt.
func NewSnapshotRecord(examID, userID string, snap SessionSnapshot, exitCount int) SnapshotRecord {
	return SnapshotRecord{
		Answers:           maps.Clone(snap.Answers),
		CurrentQuestionID: snap.CurrentQuestionID,
		ElapsedSeconds:    snap.ElapsedSeconds,
		CapturedAt:        snap.CapturedAt.UnixMilli(),
		ExamID:            examID,
		UserID:            userID,
		ExitCount:         exitCount,
	}
}

// Snapshot converts the record back into a SessionSnapshot.
func (r SnapshotRecord) Snapshot() SessionSnapshot {
	answers := maps.Clone(r.Answers)
	if answers == nil {
		answers = map[string]string{}
	}
	return SessionSnapshot{
		Answers:           answers,
		CurrentQuestionID: r.CurrentQuestionID,
		ElapsedSeconds:    r.ElapsedSeconds,
		CapturedAt:        time.UnixMilli(r.CapturedAt),
	}
}

// Encode serialises the record to JSON text.
func (r SnapshotRecord) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot record: %w", err)
	}
	return string(b), nil
}

// DecodeSnapshotRecord parses a stored value. Anything that is not a JSON
// object with a positive captured_at is reported as ErrMalformedRecord.
func DecodeSnapshotRecord(raw string) (SnapshotRecord, error) {
	var r SnapshotRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return SnapshotRecord{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if r.CapturedAt <= 0 {
		return SnapshotRecord{}, fmt.Errorf("%w: missing captured_at", ErrMalformedRecord)
	}
	if r.ElapsedSeconds < 0 || r.ExitCount < 0 {
		return SnapshotRecord{}, fmt.Errorf("%w: negative counters", ErrMalformedRecord)
	}
	return r, nil
}

// ResumeStatus answers "is there something to resume?" for an attempt.
type ResumeStatus struct {
	Resumable  bool       `json:"resumable"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
	AgeSeconds int        `json:"age_seconds,omitempty"`
}

// ResolveResumeRequest carries the student's answer to the resume prompt.
type ResolveResumeRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}
