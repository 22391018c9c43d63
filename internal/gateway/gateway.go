// Package gateway serves the local health endpoint queried by `gorelay status`.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/registry"
)

// StatsSource reports mapping counts.
type StatsSource interface {
	Stats() registry.Stats
}

// QueueSource reports dispatcher load.
type QueueSource interface {
	Pending() int
	Lanes() int
}

type Config struct {
	Registry StatsSource
	Queue    QueueSource

	// ConfigFingerprint is the hash of the active config.
	ConfigFingerprint string
	// Generator is the active model name, empty when AI replies are off.
	Generator string
	// AuditRejected returns the count of refused staff actions.
	AuditRejected func() int64
	// AuditFailed returns the count of failed relay operations.
	AuditFailed func() int64
	// LastBackup returns when the last snapshot pass ran.
	LastBackup func() time.Time

	StartedAt time.Time
	Now       func() time.Time
}

type Server struct {
	cfg Config

	aiModeChanges atomic.Int64
	tagChanges    atomic.Int64
}

// Health is the /healthz payload.
type Health struct {
	Healthy           bool   `json:"healthy"`
	Users             int    `json:"users"`
	PendingTagEntries int    `json:"pending_tag_entries"`
	AIModeDisabled    int    `json:"ai_mode_disabled"`
	QueuedEvents      int    `json:"queued_events"`
	ActiveLanes       int    `json:"active_lanes"`
	Generator         string `json:"generator,omitempty"`
	AuditRejected     int64  `json:"audit_rejected"`
	AuditFailed       int64  `json:"audit_failed"`
	AIModeChanges     int64  `json:"ai_mode_changes"`
	TagChanges        int64  `json:"tag_changes"`
	LastBackup        string `json:"last_backup,omitempty"`
	ConfigFingerprint string `json:"config_fingerprint,omitempty"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
}

func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = cfg.Now()
	}
	return &Server{cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) Snapshot() Health {
	h := Health{
		Healthy:           true,
		Generator:         s.cfg.Generator,
		ConfigFingerprint: s.cfg.ConfigFingerprint,
		UptimeSeconds:     int64(s.cfg.Now().Sub(s.cfg.StartedAt).Seconds()),
		AIModeChanges:     s.aiModeChanges.Load(),
		TagChanges:        s.tagChanges.Load(),
	}
	if s.cfg.Registry != nil {
		st := s.cfg.Registry.Stats()
		h.Users, h.PendingTagEntries, h.AIModeDisabled = st.Users, st.PendingTags, st.AIModeDisabled
	} else {
		h.Healthy = false
	}
	if s.cfg.Queue != nil {
		h.QueuedEvents, h.ActiveLanes = s.cfg.Queue.Pending(), s.cfg.Queue.Lanes()
	}
	if s.cfg.AuditRejected != nil {
		h.AuditRejected = s.cfg.AuditRejected()
	}
	if s.cfg.AuditFailed != nil {
		h.AuditFailed = s.cfg.AuditFailed()
	}
	if s.cfg.LastBackup != nil {
		if t := s.cfg.LastBackup(); !t.IsZero() {
			h.LastBackup = t.UTC().Format(time.RFC3339)
		}
	}
	return h
}

// Follow counts AI mode flips and persisted tag changes published on the bus
// until ctx is done.
func (s *Server) Follow(ctx context.Context, b *bus.Bus) {
	aimode := b.Subscribe(bus.TopicAIModeChanged)
	tagEvents := b.Subscribe(bus.TopicTagsChanged)
	defer b.Unsubscribe(aimode)
	defer b.Unsubscribe(tagEvents)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-aimode.Ch():
			if !ok {
				return
			}
			s.aiModeChanges.Add(1)
		case _, ok := <-tagEvents.Ch():
			if !ok {
				return
			}
			s.tagChanges.Add(1)
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	h := s.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if !h.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}
