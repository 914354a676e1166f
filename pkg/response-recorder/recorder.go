package recorder

import (
	"bytes"
	"net/http"
	"time"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// ResponseSaver is an http.ResponseWriter that saves the response to a buffer.
// It lets an http.Handler act as the network for the cache.
type ResponseSaver struct {
	b            *bytes.Buffer
	header       http.Header
	written      http.Header
	status       int
	wroteHeaders bool
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	// later header changes must not affect the response
	t.written = t.header.Clone()
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// Flush implements http.Flusher, there is nothing to flush.
func (t *ResponseSaver) Flush() {}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Snapshot returns the recorded response.
func (t *ResponseSaver) Snapshot() serializer.Snapshot {
	return serializer.Snapshot{
		StatusCode: t.StatusCode(),
		Header:     t.writtenHeader(),
		Body:       bytes.Clone(t.b.Bytes()),
	}
}

func (t *ResponseSaver) writtenHeader() http.Header {
	if !t.wroteHeaders {
		return t.header.Clone()
	}
	return t.written.Clone()
}

// Response returns the recorded response as a response to the given request.
func (t *ResponseSaver) Response(req *http.Request) *http.Response {
	return t.Snapshot().Response(req)
}

// NewResponseSaver returns a new ResponseSaver.
func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		b:         &bytes.Buffer{},
		header:    http.Header{},
	}
}
