// Package control serves the control channel of the cache over HTTP:
// lifecycle messages, status, and the push delivery path.
package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/pkg/lifecycle"
	"github.com/always-cache/offline-cache/pkg/memo"
	"github.com/always-cache/offline-cache/pkg/push"
	"github.com/always-cache/offline-cache/pkg/strategy"
)

// Prefix is where the router is meant to be mounted.
const Prefix = "/.offline-cache"

const (
	maxBodySize   = 64 << 10
	partitionsTTL = time.Second
)

// Cache is what the control channel operates on.
type Cache interface {
	HandleMessage(ctx context.Context, msg string) error
	State() lifecycle.State
	Controlling() bool
	Version() string
	Stats() strategy.Stats
	PartitionCounts(ctx context.Context) (map[string]int, error)
}

type Status struct {
	State       lifecycle.State `json:"state"`
	Controlling bool            `json:"controlling"`
	Version     string          `json:"version"`
	Stats       strategy.Stats  `json:"stats"`
}

type PartitionStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type server struct {
	cache      Cache
	listener   *push.Listener
	partitions *memo.TTL[string, []PartitionStatus]
	log        zerolog.Logger
}

// NewRouter creates the control router. Push endpoints are only served if listener is not nil.
// The partition listing is memoized for a second using clock, the system clock if nil.
func NewRouter(c Cache, listener *push.Listener, clock memo.Clock, logger zerolog.Logger) chi.Router {
	s := &server{
		cache:      c,
		listener:   listener,
		partitions: memo.NewTTL[string, []PartitionStatus](partitionsTTL, 1, clock),
		log:        logger.With().Str("component", "control").Logger(),
	}
	r := chi.NewRouter()
	r.Use(middleware.NoCache)
	r.Post("/message", s.message)
	r.Get("/state", s.state)
	r.Get("/partitions", s.listPartitions)
	if listener != nil {
		r.Post("/push", s.push)
		r.Post("/push/click", s.click)
	}
	return r
}

func (s *server) message(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	msg, err := lifecycle.ParseMessage(body)
	if err == nil {
		err = s.cache.HandleMessage(r.Context(), msg)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msg == lifecycle.MessageClearCaches {
		s.partitions.Delete(s.cache.Version())
	}
	s.log.Debug().Str("message", msg).Msg("Message handled")
	writeJSON(w, http.StatusAccepted, s.status())
}

func (s *server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *server) status() Status {
	return Status{
		State:       s.cache.State(),
		Controlling: s.cache.Controlling(),
		Version:     s.cache.Version(),
		Stats:       s.cache.Stats(),
	}
}

func (s *server) listPartitions(w http.ResponseWriter, r *http.Request) {
	list, err := s.partitions.GetOrCompute(s.cache.Version(), func() ([]PartitionStatus, error) {
		counts, err := s.cache.PartitionCounts(r.Context())
		if err != nil {
			return nil, err
		}
		list := make([]PartitionStatus, 0, len(counts))
		for name, entries := range counts {
			list = append(list, PartitionStatus{Name: name, Entries: entries})
		}
		sort.Slice(list, func(i, j int) bool {
			return list[i].Name < list[j].Name
		})
		return list, nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) push(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	shown, err := s.listener.OnPush(r.Context(), body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"shown": shown})
}

func (s *server) click(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var n push.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		s.writeError(w, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "malformed notification"))
		return
	}
	action, err := s.listener.OnNotificationClick(r.Context(), n)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"action": string(action), "url": n.URL})
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "could not read request body")
	}
	return body, nil
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(platformerrors.GetCode(err))
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Control request failed")
	} else {
		s.log.Debug().Err(err).Msg("Control request rejected")
	}
	writeJSON(w, status, platformerrors.ToJSON(err))
}

func statusFor(code platformerrors.ErrorCode) int {
	switch code {
	case platformerrors.CodeInvalidInput:
		return http.StatusBadRequest
	case platformerrors.CodeConflict:
		return http.StatusConflict
	case platformerrors.CodeNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
