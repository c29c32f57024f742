// Package announce publishes session lifecycle events to NATS so other
// services can react to sessions coming and going. Publishing is best
// effort: failures are logged and never surface to session operations.
package announce

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Config configures the announcer. An empty URL disables it entirely.
type Config struct {
	URL           string
	SubjectPrefix string
	AuthToken     string
}

// Event is the published payload.
type Event struct {
	Event     string    `json:"event"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
}

// Announcer publishes session events. The zero value and a nil receiver
// are both safe no-ops, so callers never need to guard.
type Announcer struct {
	cfg Config
	log *slog.Logger
	nc  *nats.Conn
}

// New creates an announcer. No connection is made until Connect.
func New(cfg Config, log *slog.Logger) *Announcer {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "gangway.sessions"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Announcer{cfg: cfg, log: log.With("component", "announce")}
}

// Connect dials the NATS server. Disabled announcers connect to nothing
// and report no error.
func (a *Announcer) Connect() error {
	if a == nil || a.cfg.URL == "" {
		return nil
	}

	opts := []nats.Option{
		nats.Name("gangway"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
	}
	if a.cfg.AuthToken != "" {
		opts = append(opts, nats.Token(a.cfg.AuthToken))
	}

	nc, err := nats.Connect(a.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	a.nc = nc
	a.log.Info("announcer connected", "url", a.cfg.URL, "prefix", a.cfg.SubjectPrefix)
	return nil
}

// Close drains the connection.
func (a *Announcer) Close() {
	if a == nil || a.nc == nil {
		return
	}
	if err := a.nc.Drain(); err != nil {
		a.log.Warn("draining nats connection", "error", err)
	}
	a.nc = nil
}

// Subject returns the subject used for an event name.
func (a *Announcer) Subject(event string) string {
	return a.cfg.SubjectPrefix + "." + event
}

// Publish emits one session event. Failures are logged, not returned.
func (a *Announcer) Publish(event, sessionID string) {
	if a == nil || a.nc == nil {
		return
	}

	payload, err := json.Marshal(Event{
		Event:     event,
		SessionID: sessionID,
		At:        time.Now().UTC(),
	})
	if err != nil {
		a.log.Warn("encoding event", "event", event, "error", err)
		return
	}

	if err := a.nc.Publish(a.Subject(event), payload); err != nil {
		a.log.Warn("publishing event", "event", event, "session", sessionID, "error", err)
	}
}

// Notify adapts Publish to the session manager's callback shape.
func (a *Announcer) Notify(event, sessionID string) {
	a.Publish(event, sessionID)
}
