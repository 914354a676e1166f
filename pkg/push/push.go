// Package push shows notifications for inbound push messages and routes
// clicks on them to an open client.
package push

import (
	"context"
	"encoding/json"
	"net/url"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
)

// Payload is the JSON body of a push message.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	URL   string `json:"url"`
}

// Notification is a notification shown to the user.
// The URL is where a click on it leads.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Icon  string `json:"icon,omitempty"`
	URL   string `json:"url"`
}

// Notifier displays notifications.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
}

// Client is an open window of the site.
type Client interface {
	URL() string
	Focus(ctx context.Context) error
}

// Clients gives access to the open windows of the site.
type Clients interface {
	MatchAll(ctx context.Context) ([]Client, error)
	OpenWindow(ctx context.Context, url string) (Client, error)
}

// Action is what a notification click resulted in.
type Action string

const (
	ActionFocus Action = "focus"
	ActionOpen  Action = "open"
)

const defaultTarget = "/"

type Listener struct {
	notifier Notifier
	clients  Clients
	log      zerolog.Logger
}

func NewListener(notifier Notifier, clients Clients, logger zerolog.Logger) *Listener {
	return &Listener{
		notifier: notifier,
		clients:  clients,
		log:      logger.With().Str("component", "push").Logger(),
	}
}

// ParsePayload parses a push message.
// A payload without a title is malformed.
func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "malformed push payload")
	}
	if p.Title == "" {
		return p, platformerrors.New(platformerrors.CodeInvalidInput, "push payload without title")
	}
	return p, nil
}

// OnPush shows a notification for the push message.
// Malformed payloads are ignored: nothing is shown and false is returned.
func (l *Listener) OnPush(ctx context.Context, data []byte) (bool, error) {
	p, err := ParsePayload(data)
	if err != nil {
		l.log.Debug().Err(err).Msg("Ignoring push message")
		return false, nil
	}
	target := p.URL
	if target == "" {
		target = defaultTarget
	}
	n := Notification{
		Title: p.Title,
		Body:  p.Body,
		Icon:  p.Icon,
		URL:   target,
	}
	if err := l.notifier.ShowNotification(ctx, n); err != nil {
		return false, err
	}
	l.log.Trace().Str("title", n.Title).Str("url", n.URL).Msg("Notification shown")
	return true, nil
}

// OnNotificationClick focuses an open client showing the notification's target,
// or opens a new one if there is none.
func (l *Listener) OnNotificationClick(ctx context.Context, n Notification) (Action, error) {
	target := n.URL
	if target == "" {
		target = defaultTarget
	}
	clients, err := l.clients.MatchAll(ctx)
	if err != nil {
		return "", err
	}
	for _, c := range clients {
		if sameTarget(c.URL(), target) {
			l.log.Trace().Str("url", target).Msg("Focusing client")
			return ActionFocus, c.Focus(ctx)
		}
	}
	l.log.Trace().Str("url", target).Msg("Opening client")
	_, err = l.clients.OpenWindow(ctx, target)
	return ActionOpen, err
}

// sameTarget compares URLs. A relative target matches on path and query only.
func sameTarget(clientURL, target string) bool {
	c, err := url.Parse(clientURL)
	if err != nil {
		return false
	}
	t, err := url.Parse(target)
	if err != nil {
		return false
	}
	c.Fragment, t.Fragment = "", ""
	if t.Host == "" {
		return normalizedPath(c) == normalizedPath(t) && c.RawQuery == t.RawQuery
	}
	return c.String() == t.String()
}

func normalizedPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}
