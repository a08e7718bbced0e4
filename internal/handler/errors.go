package handler

import (
	"errors"

	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/tracker"
)

// errorCode maps service and tracker errors onto API error codes.
func errorCode(err error) response.ErrCode {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return response.ErrSessionNotFound
	case errors.Is(err, service.ErrSessionExists):
		return response.ErrSessionActive
	case errors.Is(err, tracker.ErrSessionTerminal):
		return response.ErrSessionTerminated
	case errors.Is(err, tracker.ErrNoResumeOffer):
		return response.ErrNoResumeOffer
	default:
		return response.ErrInternal
	}
}
