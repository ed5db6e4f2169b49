package httputil

import (
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/vulnsentinel/vulnsync"
)

// StatusError reports an unacceptable HTTP status.
type StatusError struct {
	Code   int
	Status string
	// Body holds up to the first 256 bytes of the response.
	Body []byte
}

func (e *StatusError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("unexpected status code: %s", e.Status)
	}
	return fmt.Sprintf("unexpected status code: %s (body starts: %q)", e.Status, e.Body)
}

// RateLimited reports whether the status asks the client to slow down.
func (e *StatusError) RateLimited() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusServiceUnavailable
}

// CheckResponse takes a http.Response and a variadic of ints representing
// acceptable http status codes. The error returned will attempt to include
// some content from the server's response.
//
// The returned error is a *vulnsync.Error wrapping a *StatusError, marked
// permanent for client errors that no retry can fix and transient otherwise.
func CheckResponse(resp *http.Response, acceptableCodes ...int) error {
	if slices.Contains(acceptableCodes, resp.StatusCode) {
		return nil
	}
	se := &StatusError{Code: resp.StatusCode, Status: resp.Status}
	if b, err := io.ReadAll(io.LimitReader(resp.Body, 256)); err == nil {
		se.Body = b
	}
	kind := vulnsync.ErrTransient
	switch resp.StatusCode {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound:
		kind = vulnsync.ErrPermanent
	}
	return &vulnsync.Error{Kind: kind, Inner: se}
}
