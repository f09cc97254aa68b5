package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/irisanalysis/datalab0826-sub001/internal/auth"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string            `json:"error_code"`
	Message string            `json:"error_message"`
	Fields  []auth.FieldError `json:"fields,omitempty"`
}

type errorMapping struct {
	status int
	code   string
}

// errorStatus maps public error kinds onto HTTP.
var errorStatus = map[auth.Kind]errorMapping{
	auth.KindValidation:         {http.StatusBadRequest, "VALIDATION_ERROR"},
	auth.KindDuplicateEmail:     {http.StatusConflict, "USER_EXISTS"},
	auth.KindInvalidCredentials: {http.StatusUnauthorized, "INVALID_CREDENTIALS"},
	auth.KindInvalidToken:       {http.StatusUnauthorized, "INVALID_TOKEN"},
	auth.KindRateLimited:        {http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
	auth.KindForbidden:          {http.StatusForbidden, "FORBIDDEN"},
	auth.KindTransient:          {http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
	auth.KindInternal:           {http.StatusInternalServerError, "INTERNAL_ERROR"},
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// writeAuthError renders an engine error. Only the public kind and message
// reach the client; the cause is logged.
func (a *App) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var e *auth.Error
	if !errors.As(err, &e) {
		e = &auth.Error{Kind: auth.KindInternal, Err: err}
	}
	m := errorStatus[e.Kind.Public()]
	if m.status == 0 {
		m = errorStatus[auth.KindInternal]
	}

	switch e.Kind {
	case auth.KindInternal:
		a.log.Error("request failed", zap.String("path", r.URL.Path), zap.String("request_id", requestID(r.Context())), zap.Error(err))
	case auth.KindTransient:
		a.log.Warn("dependency unavailable", zap.String("path", r.URL.Path), zap.String("request_id", requestID(r.Context())), zap.Error(err))
	}

	body := APIError{Code: m.code, Message: e.Error()}
	if e.Kind == auth.KindValidation {
		body.Fields = e.Fields
	}
	writeJSON(w, m.status, body)
}
