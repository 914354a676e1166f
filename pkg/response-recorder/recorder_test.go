package recorder

import (
	"io"
	"net/http"
	"testing"
)

func TestRecordsHandlerResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/test")
		w.WriteHeader(http.StatusAccepted)
		w.Header().Set("X-Too-Late", "1")
		w.Write([]byte("Hello "))
		w.Write([]byte("world"))
	})
	rw := NewResponseSaver()
	handler.ServeHTTP(rw, nil)

	if rw.StatusCode() != http.StatusAccepted {
		t.Fatalf("Status is %d", rw.StatusCode())
	}
	res := rw.Response(nil)
	if ct := res.Header.Get("Content-Type"); ct != "text/test" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if res.Header.Get("X-Too-Late") != "" {
		t.Fatal("Header set after WriteHeader was recorded")
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
}

func TestImplicitStatusOK(t *testing.T) {
	rw := NewResponseSaver()
	rw.Write([]byte("ok"))
	if rw.StatusCode() != http.StatusOK {
		t.Fatalf("Status is %d", rw.StatusCode())
	}
	empty := NewResponseSaver()
	if snap := empty.Snapshot(); snap.StatusCode != http.StatusOK || len(snap.Body) != 0 {
		t.Fatalf("Snapshot of empty response is %+v", snap)
	}
}
