// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtsp

import "fmt"

// RTSP status codes the server emits.
const (
	StatusOK                   = 200
	StatusBadRequest           = 400
	StatusNotFound             = 404
	StatusMethodNotAllowed     = 405
	StatusConflict             = 409
	StatusUnsupportedMediaType = 415
	StatusNotEnoughBandwidth   = 453
	StatusSessionNotFound      = 454
	StatusInvalidState         = 455
	StatusUnsupportedTransport = 461
	StatusInternalServerError  = 500
	StatusNotImplemented       = 501
)

var statusText = map[int]string{
	StatusOK:                   "OK",
	StatusBadRequest:           "Bad Request",
	StatusNotFound:             "Not Found",
	StatusMethodNotAllowed:     "Method Not Allowed",
	StatusConflict:             "Conflict",
	StatusUnsupportedMediaType: "Unsupported Media Type",
	StatusNotEnoughBandwidth:   "Not Enough Bandwidth",
	StatusSessionNotFound:      "Session Not Found",
	StatusInvalidState:         "Method Not Valid in This State",
	StatusUnsupportedTransport: "Unsupported Transport",
	StatusInternalServerError:  "Internal Server Error",
	StatusNotImplemented:       "Not Implemented",
}

// StatusText resolves the reason phrase of a code.
func StatusText(code int) string {
	if t, ok := statusText[code]; ok {
		return t
	}
	return "Unknown"
}

// Error is a managed protocol error: handlers raise it and the connection
// composes a reply with the declared status, then keeps serving.
type Error struct {
	Code   int
	Reason string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("rtsp: %d %s: %s", e.Code, StatusText(e.Code), e.Reason)
	}
	return fmt.Sprintf("rtsp: %d %s", e.Code, StatusText(e.Code))
}

// Errf builds a managed error for a status code.
func Errf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}
