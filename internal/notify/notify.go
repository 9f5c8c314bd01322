// Package notify is the fire-and-forget notification collaborator.
package notify

import (
	"log/slog"
	"sync"
)

// Notifier shows a user-facing notification. Tag groups notifications so
// a newer one replaces an older one with the same tag. Implementations
// must not block the caller.
type Notifier interface {
	Notify(title, body, tag string)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(string, string, string) {}

// Log writes notifications to the structured log. Used by the CLI, which
// has no desktop surface.
type Log struct{}

func (Log) Notify(title, body, tag string) {
	slog.Info("notification", "title", title, "body", body, "tag", tag)
}

// Notification is one recorded call to Notify.
type Notification struct {
	Title string
	Body  string
	Tag   string
}

// Recorder keeps every notification in order. Used by the harness.
//
// Thread-safety: safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(title, body, tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Notification{Title: title, Body: body, Tag: tag})
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}
