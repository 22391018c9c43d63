package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/shared"
)

const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Entry is one staff action or relay incident.
type Entry struct {
	Action  string
	Actor   int64
	Subject string
	Outcome string
	Detail  string
}

type line struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Action    string `json:"action"`
	Actor     int64  `json:"actor,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu       sync.Mutex
	file     *os.File
	rejected atomic.Int64
	failed   atomic.Int64
)

// Init opens <home>/logs/audit.jsonl for appending. Until Init runs, Record
// only updates counters.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectedCount returns how many staff actions were refused since startup.
func RejectedCount() int64 {
	return rejected.Load()
}

// FailedCount returns how many failed relay operations were recorded since
// startup.
func FailedCount() int64 {
	return failed.Load()
}

// Record appends e with secrets redacted.
func Record(ctx context.Context, e Entry) {
	if e.Outcome == "" {
		e.Outcome = OutcomeOK
	}
	switch e.Outcome {
	case OutcomeRejected:
		rejected.Add(1)
	case OutcomeFailed:
		failed.Add(1)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ev := line{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:   shared.TraceID(ctx),
		Action:    e.Action,
		Actor:     e.Actor,
		Subject:   shared.Redact(e.Subject),
		Outcome:   e.Outcome,
		Detail:    shared.Redact(e.Detail),
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

// Follow records user creation and delivery failures published on the bus
// until ctx is done. Staff actions are recorded by their handlers, which know
// the actor.
func Follow(ctx context.Context, b *bus.Bus) {
	users := b.Subscribe(bus.TopicUserCreated)
	failures := b.Subscribe(bus.TopicRelayFailed)
	defer b.Unsubscribe(users)
	defer b.Unsubscribe(failures)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-users.Ch():
			if !ok {
				return
			}
			if p, ok := ev.Payload.(bus.UserCreatedEvent); ok {
				Record(ctx, Entry{
					Action:  "user.created",
					Subject: "user:" + strconv.FormatInt(p.UserID, 10),
					Detail:  "topic " + strconv.Itoa(p.TopicID),
				})
			}
		case ev, ok := <-failures.Ch():
			if !ok {
				return
			}
			if p, ok := ev.Payload.(bus.RelayFailedEvent); ok {
				Record(ctx, Entry{
					Action:  "relay." + p.Operation,
					Subject: "user:" + strconv.FormatInt(p.UserID, 10),
					Outcome: OutcomeFailed,
					Detail:  p.Error,
				})
			}
		}
	}
}
