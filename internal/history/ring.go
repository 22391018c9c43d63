package history

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/basket/go-relay/internal/persistence"
)

const (
	// MaxTurns bounds each user's stored sequence. Oldest turns are evicted first.
	MaxTurns = 20
	// DefaultRecent is the window handed to prompt building.
	DefaultRecent = 10
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one exchange unit in a user's conversation.
type Turn struct {
	Role Role
	Text string
}

// Ring owns the conversation history document. Every append rewrites the
// whole document under a single lock.
type Ring struct {
	mu     sync.Mutex
	file   *persistence.File
	doc    persistence.History
	logger *slog.Logger
}

// Open loads the history document at path. A missing or unusable document
// yields an empty ring.
func Open(path string, logger *slog.Logger) (*Ring, persistence.LoadStatus) {
	if logger == nil {
		logger = slog.Default()
	}
	f := persistence.NewFile(path, persistence.HistorySchema, logger)
	doc, status := persistence.LoadHistory(f, logger)
	for id, turns := range doc {
		for i := range turns {
			if turns[i].Role != string(RoleUser) {
				turns[i].Role = string(RoleAssistant)
			}
		}
		if len(turns) > MaxTurns {
			doc[id] = append([]persistence.Turn(nil), turns[len(turns)-MaxTurns:]...)
		}
	}
	return &Ring{file: f, doc: doc, logger: logger}, status
}

// Append pushes a turn for the user and persists the document. It reports
// whether the save succeeded; the in-memory sequence is updated either way.
func (r *Ring) Append(userID int64, role Role, text string) bool {
	key := strconv.FormatInt(userID, 10)

	r.mu.Lock()
	defer r.mu.Unlock()

	turns := r.doc[key]
	if len(turns) >= MaxTurns {
		turns = turns[len(turns)-MaxTurns+1:]
	}
	next := make([]persistence.Turn, 0, len(turns)+1)
	next = append(next, turns...)
	next = append(next, persistence.Turn{Role: string(role), Message: text})
	r.doc[key] = next

	if !r.file.Save(r.doc) {
		r.logger.Warn("conversation history not persisted", "user_id", userID)
		return false
	}
	return true
}

// Recent returns up to n of the user's latest turns, oldest first. n <= 0
// selects DefaultRecent. An unseen user gets an empty entry in memory that
// is written out with the next save.
func (r *Ring) Recent(userID int64, n int) []Turn {
	if n <= 0 {
		n = DefaultRecent
	}
	key := strconv.FormatInt(userID, 10)

	r.mu.Lock()
	defer r.mu.Unlock()

	turns, ok := r.doc[key]
	if !ok {
		r.doc[key] = []persistence.Turn{}
		return []Turn{}
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = Turn{Role: Role(t.Role), Text: t.Message}
	}
	return out
}

// Len returns the number of stored turns for the user.
func (r *Ring) Len(userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.doc[strconv.FormatInt(userID, 10)])
}

// Users returns the number of users with an entry in the document.
func (r *Ring) Users() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.doc)
}

// Name identifies the document in snapshot file names.
func (r *Ring) Name() string { return "conversation_history" }

// Snapshot renders the current document as stored on disk.
func (r *Ring) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return persistence.Encode(r.doc)
}
