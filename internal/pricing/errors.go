package pricing

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

type ErrorKind string

const (
	KindBadRequest  ErrorKind = "bad_request"
	KindServerError ErrorKind = "server_error"
	KindUnknown     ErrorKind = "unknown"
)

// ClassifyStatus maps a non-200 status code to an [ErrorKind].
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusBadRequest:
		return KindBadRequest
	case code >= 500 && code <= 599:
		return KindServerError
	default:
		return KindUnknown
	}
}

// LookupError is returned when the pricing service answers with a non-200
// status.
type LookupError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("pricing: %s: HTTP %d: %s", e.Kind, e.StatusCode, e.Message)
}

// KindOf returns the classification of err, or "" when err is not a
// [LookupError].
func KindOf(err error) ErrorKind {
	var lookupErr *LookupError
	if errors.As(err, &lookupErr) {
		return lookupErr.Kind
	}
	return ""
}

// RecordedError is one entry in an [ErrorLog].
type RecordedError struct {
	Kind       ErrorKind `json:"kind"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// ErrorLog keeps at most one entry per [ErrorKind], the most recent one, in
// first-seen order. It is safe for concurrent use.
type ErrorLog struct {
	mu      sync.Mutex
	entries []RecordedError
	now     func() time.Time
}

func NewErrorLog() *ErrorLog {
	return &ErrorLog{now: time.Now}
}

// Record stores err if it is a [LookupError]; other errors are recorded as
// [KindUnknown]. It reports whether the kind was new.
func (l *ErrorLog) Record(err error) bool {
	if err == nil {
		return false
	}

	entry := RecordedError{Kind: KindUnknown, Message: err.Error(), At: l.now()}
	var lookupErr *LookupError
	if errors.As(err, &lookupErr) {
		entry.Kind = lookupErr.Kind
		entry.StatusCode = lookupErr.StatusCode
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].Kind == entry.Kind {
			l.entries[i] = entry
			return false
		}
	}
	l.entries = append(l.entries, entry)
	return true
}

func (l *ErrorLog) Entries() []RecordedError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]RecordedError(nil), l.entries...)
}

func (l *ErrorLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
