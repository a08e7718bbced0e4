package websocket

import "time"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer     Action = "answer"
	ActionNavigate   Action = "navigate"
	ActionVisibility Action = "visibility"
	ActionFullscreen Action = "fullscreen"
	ActionPageHide   Action = "pagehide"
	ActionUnload     Action = "unload"
	ActionResume     Action = "resume"
	ActionSave       Action = "save"
	ActionSubmit     Action = "submit"
	ActionPing       Action = "ping"
)

// RequestPayload is the single client message shape; fields are read
// according to Action.
type RequestPayload struct {
	Action   Action `json:"action"`
	QID      string `json:"q_id,omitempty"`
	Answer   string `json:"ans,omitempty"`
	Question int    `json:"question,omitempty"`
	Hidden   bool   `json:"hidden,omitempty"`
	Accept   *bool  `json:"accept,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSession     Event = "session"
	EventSuccess     Event = "success"
	EventSaved       Event = "saved"
	EventExitWarning Event = "exit_warning"
	EventSubmitted   Event = "submitted"
	EventAbandoned   Event = "abandoned"
	EventError       Event = "error"
	EventPong        Event = "pong"
)

// SessionResponse is sent after the attempt is opened, and again when a
// resumable attempt only turns up once storage is readable.
type SessionResponse struct {
	Event     Event         `json:"event"`
	Resumable bool          `json:"resumable"`
	Resume    *ResumeDetail `json:"resume,omitempty"`
}

// ResumeDetail describes the attempt that can be continued.
type ResumeDetail struct {
	CapturedAt        time.Time `json:"captured_at"`
	AgeSeconds        int       `json:"age_seconds"`
	AnsweredCount     int       `json:"answered_count"`
	CurrentQuestionID int       `json:"current_question_id"`
	ExitCount         int       `json:"exit_count"`
}

type SuccessResponse struct {
	Event  Event  `json:"event"`
	Action Action `json:"action"`
}

// SavedResponse drives the "Last saved" indicator on the exam page.
type SavedResponse struct {
	Event   Event     `json:"event"`
	SavedAt time.Time `json:"saved_at"`
}

type ExitWarningResponse struct {
	Event     Event `json:"event"`
	Count     int   `json:"count"`
	Threshold int   `json:"threshold"`
	Forced    bool  `json:"forced"`
}

type SubmittedResponse struct {
	Event           Event             `json:"event"`
	Answers         map[string]string `json:"answers"`
	DurationSeconds int               `json:"duration_seconds"`
	AutoSubmitted   bool              `json:"auto_submitted"`
	ExitCount       int               `json:"exit_count"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

// AbandonedResponse tells the client the attempt was ended without a submission.
type AbandonedResponse struct {
	Event Event `json:"event"`
}
