// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

// HTTPError is an error that maps to a terminal HTTP response.
type HTTPError struct {
	Status     int
	StatusText string
	Message    string
	Reason     string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Reason != "" {
		return e.Reason
	}
	return e.StatusText
}

// ErrorFields implements FieldsError.
func (e *HTTPError) ErrorFields() map[string]any {
	m := map[string]any{
		"status":     e.Status,
		"statusText": e.StatusText,
	}
	if e.Reason != "" {
		m["reason"] = e.Reason
	}
	return m
}

// ResponseOptions returns the response head for the error.
func (e *HTTPError) ResponseOptions() ResponseOptions {
	return ResponseOptions{
		Status:     e.Status,
		StatusText: e.StatusText,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
	}
}

// WriteResponse writes the error as a JSON response, merged with extra.
func (e *HTTPError) WriteResponse(w http.ResponseWriter, extra map[string]any) {
	m := make(map[string]any, len(extra)+3)
	for k, v := range extra {
		m[k] = v
	}
	m["status"] = e.Status
	m["statusText"] = e.StatusText
	m["message"] = e.Error()
	body, _ := json.Marshal(m)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_, _ = w.Write(body)
}

// ErrResourceNotFound returns a 404 HTTPError.
func ErrResourceNotFound(message string) *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, StatusText: "Error 404: Resource not found", Message: message}
}

// ErrForbidden returns a 403 HTTPError.
func ErrForbidden(message string) *HTTPError {
	return &HTTPError{Status: http.StatusForbidden, StatusText: "Error 403: Forbidden", Message: message}
}

// ErrResourceGone returns a 410 HTTPError.
func ErrResourceGone(message string) *HTTPError {
	return &HTTPError{Status: http.StatusGone, StatusText: "Error 410: Resource Gone", Message: message}
}

// ErrInternal returns a 500 HTTPError.
func ErrInternal(message string) *HTTPError {
	return &HTTPError{Status: http.StatusInternalServerError, StatusText: "Error 500: Internal error", Message: message}
}

// HTTPErrorFrom returns err as an HTTPError. Errors that crossed a Port keep
// their status if they carried one, anything else becomes a 500.
func HTTPErrorFrom(err error) *HTTPError {
	if err == nil {
		return nil
	}
	switch x := errors.Cause(err).(type) {
	case *HTTPError:
		return x
	case *RemoteError:
		if status := fieldStatus(x.Fields["status"]); status >= 100 && status < 600 {
			he := &HTTPError{Status: status, Message: x.Message}
			he.StatusText, _ = x.Fields["statusText"].(string)
			he.Reason, _ = x.Fields["reason"].(string)
			return he
		}
	}
	he := ErrInternal("")
	he.Reason = err.Error()
	return he
}

// fieldStatus returns v as a status code, or zero. Decoded JSON numbers are float64.
func fieldStatus(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case int:
		return x
	}
	return 0
}
