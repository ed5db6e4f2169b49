// Package jsonerr writes error responses as JSON objects.
package jsonerr

import (
	"encoding/json"
	"net/http"
)

// Response is the body of an error response.
type Response struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// Error works like http.Error but uses Response as the body. Like
// http.Error, the handler should return after calling it.
func Error(w http.ResponseWriter, r *Response, httpcode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(httpcode)
	b, _ := json.Marshal(r)
	w.Write(b)
}
