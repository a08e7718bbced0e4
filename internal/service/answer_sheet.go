package service

import (
	"maps"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerSheet mirrors the answers a student has entered on the exam page.
// It is the tracker's AnswerProvider for attempts streamed over WebSocket.
type AnswerSheet struct {
	mu      sync.RWMutex
	answers map[string]string
	current int
}

// NewAnswerSheet creates an empty sheet positioned on the first question.
func NewAnswerSheet() *AnswerSheet {
	return &AnswerSheet{answers: make(map[string]string), current: 1}
}

// Set records the answer for a question. An empty answer clears it.
func (s *AnswerSheet) Set(questionID, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if answer == "" {
		delete(s.answers, questionID)
		return
	}
	s.answers[questionID] = answer
}

// Navigate moves the active question.
func (s *AnswerSheet) Navigate(questionID int) {
	if questionID <= 0 {
		return
	}
	s.mu.Lock()
	s.current = questionID
	s.mu.Unlock()
}

// Restore replaces the sheet's content with a resumed snapshot.
func (s *AnswerSheet) Restore(snap model.SessionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = maps.Clone(snap.Answers)
	if s.answers == nil {
		s.answers = make(map[string]string)
	}
	if snap.CurrentQuestionID > 0 {
		s.current = snap.CurrentQuestionID
	}
}

func (s *AnswerSheet) Answers() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.answers)
}

func (s *AnswerSheet) CurrentQuestion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}
