package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/tracker"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// detachTimeout bounds the final snapshot written when a socket goes away.
const detachTimeout = 5 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams one exam attempt per connection.
type WSHandler struct {
	sessionService *service.ExamSessionService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessionService *service.ExamSessionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// ExamWebSocketStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
// Opens the attempt on connect, relays answers and host events to its
// tracker, and pushes save indicators, exit warnings and the submission back.
// Closing the socket detaches the attempt so it can be resumed later.
func (h *WSHandler) ExamWebSocketStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID := c.Param("exam_id")
	if !validator.ValidID(examID) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	userID := claims.UserID()
	wsLog := h.log.With().
		Str("user_id", userID).
		Str("exam_id", examID).
		Logger()

	// The request context is not cancelled by a hijacked connection closing.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := newWSObserver(conn)
	offer, err := h.sessionService.Begin(ctx, examID, userID, obs)
	if err != nil {
		code := errorCode(err)
		if code == response.ErrInternal {
			wsLog.Error().Err(err).Msg("Begin attempt failed")
		}
		_ = conn.WriteErrorCode(string(code), response.GetMessage(code))
		return
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), detachTimeout)
		defer dcancel()
		h.sessionService.Detach(dctx, examID, userID)
	}()

	wsLog.Info().Bool("resumable", offer != nil).Msg("Student connected")

	if err := conn.WriteTyped(sessionResponse(offer)); err != nil {
		return
	}

	// The observer starts the closing handshake when the attempt ends, even
	// if that happens over HTTP while this loop is blocked reading.
	for !obs.finished() {
		var msg ws.RequestPayload
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		h.dispatch(ctx, conn, wsLog, examID, userID, &msg)
	}
	wsLog.Info().Msg("Attempt ended, closing stream")
}

func (h *WSHandler) dispatch(ctx context.Context, conn *ws.Conn, wsLog zerolog.Logger, examID, userID string, msg *ws.RequestPayload) {
	var err error

	switch msg.Action {
	case ws.ActionPing:
		_ = conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		return

	case ws.ActionAnswer:
		if !validator.ValidID(msg.QID) {
			_ = conn.WriteError("invalid q_id format")
			return
		}
		err = h.sessionService.SaveAnswer(examID, userID, msg.QID, msg.Answer)

	case ws.ActionNavigate:
		if msg.Question <= 0 {
			_ = conn.WriteError("question must be a positive number")
			return
		}
		err = h.sessionService.Navigate(examID, userID, msg.Question)

	case ws.ActionVisibility:
		err = h.sessionService.Signal(examID, userID, tracker.HostEvent{Kind: tracker.EventVisibility, Hidden: msg.Hidden})
	case ws.ActionFullscreen:
		err = h.sessionService.Signal(examID, userID, tracker.HostEvent{Kind: tracker.EventFullscreen, Hidden: msg.Hidden})
	case ws.ActionPageHide:
		err = h.sessionService.Signal(examID, userID, tracker.HostEvent{Kind: tracker.EventPageHide})
	case ws.ActionUnload:
		err = h.sessionService.Signal(examID, userID, tracker.HostEvent{Kind: tracker.EventUnload})

	case ws.ActionResume:
		if msg.Accept == nil {
			_ = conn.WriteError("accept is required")
			return
		}
		_, err = h.sessionService.ResolveResume(ctx, examID, userID, *msg.Accept)

	case ws.ActionSave:
		_, err = h.sessionService.SaveNow(ctx, examID, userID)
		if errors.Is(err, tracker.ErrPersistenceUnavailable) {
			wsLog.Warn().Err(err).Msg("Manual save kept in memory")
			err = nil
		}

	case ws.ActionSubmit:
		_, err = h.sessionService.Submit(ctx, examID, userID)
		if err == nil {
			// The submitted event has already been pushed by the observer.
			return
		}

	default:
		wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
		_ = conn.WriteError("unknown action: " + string(msg.Action))
		return
	}

	if err != nil {
		code := errorCode(err)
		if code == response.ErrInternal {
			wsLog.Error().Err(err).Str("action", string(msg.Action)).Msg("Action failed")
		}
		_ = conn.WriteErrorCode(string(code), response.GetMessage(code))
		return
	}

	_ = conn.WriteTyped(ws.SuccessResponse{Event: ws.EventSuccess, Action: msg.Action})
}

func sessionResponse(offer *tracker.ResumeOffer) ws.SessionResponse {
	resp := ws.SessionResponse{Event: ws.EventSession}
	if offer == nil {
		return resp
	}
	resp.Resumable = true
	resp.Resume = &ws.ResumeDetail{
		CapturedAt:        offer.Snapshot.CapturedAt,
		AgeSeconds:        int(offer.Age / time.Second),
		AnsweredCount:     len(offer.Snapshot.Answers),
		CurrentQuestionID: offer.Snapshot.CurrentQuestionID,
		ExitCount:         offer.ExitCount,
	}
	return resp
}

// wsObserver forwards attempt notifications to the student's socket and
// closes it once the attempt has ended.
type wsObserver struct {
	conn *ws.Conn
	done chan struct{}
	once sync.Once
}

func newWSObserver(conn *ws.Conn) *wsObserver {
	return &wsObserver{conn: conn, done: make(chan struct{})}
}

func (o *wsObserver) Saved(at time.Time) {
	_ = o.conn.WriteTyped(ws.SavedResponse{Event: ws.EventSaved, SavedAt: at})
}

func (o *wsObserver) ExitWarning(n tracker.ExitNotice) {
	_ = o.conn.WriteTyped(ws.ExitWarningResponse{
		Event:     ws.EventExitWarning,
		Count:     n.Count,
		Threshold: n.Threshold,
		Forced:    n.Forced,
	})
}

func (o *wsObserver) ResumeOffered(offer tracker.ResumeOffer) {
	_ = o.conn.WriteTyped(sessionResponse(&offer))
}

func (o *wsObserver) Submitted(sub model.Submission) {
	_ = o.conn.WriteTyped(ws.SubmittedResponse{
		Event:           ws.EventSubmitted,
		Answers:         sub.Answers,
		DurationSeconds: sub.DurationSeconds,
		AutoSubmitted:   sub.AutoSubmitted,
		ExitCount:       sub.ExitCount,
	})
	o.finish("attempt submitted")
}

func (o *wsObserver) Abandoned() {
	_ = o.conn.WriteTyped(ws.AbandonedResponse{Event: ws.EventAbandoned})
	o.finish("attempt abandoned")
}

func (o *wsObserver) finish(reason string) {
	o.once.Do(func() {
		close(o.done)
		_ = o.conn.CloseWith(websocket.CloseNormalClosure, reason)
	})
}

func (o *wsObserver) finished() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}
