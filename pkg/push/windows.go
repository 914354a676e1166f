package push

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Windows keeps track of clients and notifications in memory.
// It serves as both Notifier and Clients when there is no real display.
type Windows struct {
	mutex         sync.Mutex
	windows       []*window
	notifications []Notification
	// most recent notifications kept
	keep int
	log  zerolog.Logger
}

type window struct {
	w       *Windows
	url     string
	focused bool
}

func (w *window) URL() string {
	return w.url
}

func (w *window) Focus(ctx context.Context) error {
	w.w.mutex.Lock()
	defer w.w.mutex.Unlock()
	for _, other := range w.w.windows {
		other.focused = false
	}
	w.focused = true
	return nil
}

func NewWindows(keep int, logger zerolog.Logger) *Windows {
	return &Windows{keep: keep, log: logger}
}

func (ws *Windows) ShowNotification(ctx context.Context, n Notification) error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	ws.notifications = append(ws.notifications, n)
	if ws.keep > 0 && len(ws.notifications) > ws.keep {
		ws.notifications = ws.notifications[len(ws.notifications)-ws.keep:]
	}
	ws.log.Info().Str("title", n.Title).Str("url", n.URL).Msg("Notification")
	return nil
}

func (ws *Windows) MatchAll(ctx context.Context) ([]Client, error) {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	clients := make([]Client, len(ws.windows))
	for i, w := range ws.windows {
		clients[i] = w
	}
	return clients, nil
}

func (ws *Windows) OpenWindow(ctx context.Context, url string) (Client, error) {
	w := &window{w: ws, url: url}
	ws.mutex.Lock()
	ws.windows = append(ws.windows, w)
	ws.mutex.Unlock()
	return w, w.Focus(ctx)
}

// Notifications returns the kept notifications, oldest first.
func (ws *Windows) Notifications() []Notification {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	return append([]Notification(nil), ws.notifications...)
}

// Focused returns the URL of the focused window, empty if there is none.
func (ws *Windows) Focused() string {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()
	for _, w := range ws.windows {
		if w.focused {
			return w.url
		}
	}
	return ""
}
