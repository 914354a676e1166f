package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Snapshot is a response captured at write time.
// It is immutable: every call to Response hands out a new response with its own body reader.
type Snapshot struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The time the snapshot was stored, zero if it was never stored.
	StoredAt time.Time
}

// FromResponse reads the whole response into a snapshot and closes the body.
// If the body cannot be read completely (e.g. the request was cancelled),
// an error is returned and the snapshot must not be stored.
// The response body is replaced with a reader over the captured body.
func FromResponse(res *http.Response) (Snapshot, error) {
	snap := Snapshot{
		StatusCode: res.StatusCode,
		Header:     storableHeader(res.Header),
	}
	if res.Body == nil {
		res.Body = http.NoBody
		return snap, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return snap, err
	}
	snap.Body = body
	res.Body = io.NopCloser(bytes.NewReader(body))
	return snap, nil
}

// Successful reports whether the status code is in the 2xx range.
func (s Snapshot) Successful() bool {
	return s.StatusCode >= 200 && s.StatusCode <= 299
}

// Response creates a new response for the request from the snapshot.
func (s Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	var body io.ReadCloser = http.NoBody
	if len(s.Body) > 0 {
		body = io.NopCloser(bytes.NewReader(s.Body))
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          body,
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// SnapshotToBytes returns the HTTP/1.1 representation of the snapshot.
func SnapshotToBytes(s Snapshot) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := s.Response(nil).Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToSnapshot parses a snapshot from its HTTP/1.1 representation.
func BytesToSnapshot(b []byte) (Snapshot, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Snapshot{}, err
	}
	return FromResponse(res)
}

// storableHeader returns a copy of the header without the fields
// that must not be forwarded (and hence not stored).
func storableHeader(header http.Header) http.Header {
	if header == nil {
		return make(http.Header)
	}
	h := header.Clone()
	for _, name := range GetListHeader(header, "Connection") {
		h.Del(name)
	}
	for _, name := range []string{
		"Connection", "Proxy-Connection", "Keep-Alive", "TE", "Trailer",
		"Transfer-Encoding", "Upgrade", "Proxy-Authenticate", "Proxy-Authentication-Info",
	} {
		h.Del(name)
	}
	return h
}

// GetListHeader returns the comma separated members of all values of the given field.
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}
