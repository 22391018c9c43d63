package tags

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/registry"
)

// Code classifies the outcome of a ledger operation.
type Code string

const (
	OK                 Code = "OK"
	EmptyInput         Code = "EMPTY_INPUT"
	DuplicateTag       Code = "DUPLICATE_TAG"
	TagNotFound        Code = "TAG_NOT_FOUND"
	NoTagsFound        Code = "NO_TAGS_FOUND"
	StorageUnavailable Code = "STORAGE_UNAVAILABLE"
)

var (
	ErrEmptyInput   = errors.New("tags: username and tag cannot be empty")
	ErrDuplicateTag = errors.New("tags: duplicate tag")
	ErrTagNotFound  = errors.New("tags: tag not found")
	ErrNoTagsFound  = errors.New("tags: no tags found")
)

// Result carries an operation outcome plus the message echoed to staff.
type Result struct {
	Code    Code
	Message string
	Tags    []string
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool { return r.Code == OK }

// Err maps the result code to a sentinel error, nil on success.
func (r Result) Err() error {
	switch r.Code {
	case OK:
		return nil
	case EmptyInput:
		return ErrEmptyInput
	case DuplicateTag:
		return ErrDuplicateTag
	case TagNotFound:
		return ErrTagNotFound
	case NoTagsFound:
		return ErrNoTagsFound
	case StorageUnavailable:
		return persistence.ErrStorageUnavailable
	default:
		return fmt.Errorf("tags: unknown result code %q", r.Code)
	}
}

// Store is the slice of the registry the ledger needs.
type Store interface {
	View(fn func(doc *persistence.TopicMap))
	Update(fn func(doc *persistence.TopicMap) bool) (changed, saved bool)
}

// Ledger maintains free-text labels on users. Tags recorded against a handle
// nobody has used yet wait in the pending table until TagsByUserID finds a
// user with that handle.
type Ledger struct {
	store  Store
	logger *slog.Logger
	bus    *bus.Bus
}

// NewLedger builds a ledger over the topic map store.
func NewLedger(store Store, logger *slog.Logger, eventBus *bus.Bus) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger, bus: eventBus}
}

// Normalize strips one leading @ from a handle.
func Normalize(username string) string {
	return strings.TrimPrefix(strings.TrimSpace(username), "@")
}

// AddTag labels the user holding username, or the pending entry for it.
func (l *Ledger) AddTag(username, tag string) Result {
	name := Normalize(username)
	tag = strings.TrimSpace(tag)
	if name == "" || tag == "" {
		return Result{Code: EmptyInput, Message: "Username and tag cannot be empty"}
	}

	var res Result
	pending := false
	_, saved := l.store.Update(func(doc *persistence.TopicMap) bool {
		if _, m := registry.LookupUsername(doc, name); m != nil {
			if slices.Contains(m.Tags, tag) {
				res = Result{Code: DuplicateTag, Message: fmt.Sprintf("Tag '%s' already exists for user @%s", tag, name)}
				return false
			}
			m.Tags = append(m.Tags, tag)
			res = Result{Code: OK, Message: fmt.Sprintf("Added tag '%s' to user @%s", tag, name), Tags: slices.Clone(m.Tags)}
			return true
		}
		list := doc.UsernameTags[name]
		if slices.Contains(list, tag) {
			res = Result{Code: DuplicateTag, Message: fmt.Sprintf("Tag '%s' already exists for username @%s", tag, name)}
			return false
		}
		doc.UsernameTags[name] = append(list, tag)
		pending = true
		res = Result{Code: OK, Message: fmt.Sprintf("Added tag '%s' to username @%s (user not yet in system)", tag, name), Tags: slices.Clone(doc.UsernameTags[name])}
		return true
	})
	return l.finish(res, saved, name, tag, "add", pending)
}

// RemoveTag drops a label from whichever structure holds the handle.
func (l *Ledger) RemoveTag(username, tag string) Result {
	name := Normalize(username)
	tag = strings.TrimSpace(tag)
	if name == "" || tag == "" {
		return Result{Code: EmptyInput, Message: "Username and tag cannot be empty"}
	}

	var res Result
	pending := false
	_, saved := l.store.Update(func(doc *persistence.TopicMap) bool {
		if _, m := registry.LookupUsername(doc, name); m != nil {
			i := slices.Index(m.Tags, tag)
			if i < 0 {
				res = Result{Code: TagNotFound, Message: fmt.Sprintf("Tag '%s' not found for user @%s", tag, name)}
				return false
			}
			m.Tags = slices.Delete(m.Tags, i, i+1)
			res = Result{Code: OK, Message: fmt.Sprintf("Removed tag '%s' from user @%s", tag, name), Tags: slices.Clone(m.Tags)}
			return true
		}
		list, ok := doc.UsernameTags[name]
		if !ok {
			res = Result{Code: NoTagsFound, Message: fmt.Sprintf("No tags found for username @%s", name)}
			return false
		}
		i := slices.Index(list, tag)
		if i < 0 {
			res = Result{Code: TagNotFound, Message: fmt.Sprintf("Tag '%s' not found for username @%s", tag, name)}
			return false
		}
		list = slices.Delete(list, i, i+1)
		if len(list) == 0 {
			delete(doc.UsernameTags, name)
		} else {
			doc.UsernameTags[name] = list
		}
		pending = true
		res = Result{Code: OK, Message: fmt.Sprintf("Removed tag '%s' from username @%s", tag, name), Tags: slices.Clone(list)}
		return true
	})
	return l.finish(res, saved, name, tag, "remove", pending)
}

// ListTags reports the labels for a handle, user record first.
func (l *Ledger) ListTags(username string) Result {
	name := Normalize(username)
	if name == "" {
		return Result{Code: EmptyInput, Message: "Username cannot be empty"}
	}

	var res Result
	l.store.View(func(doc *persistence.TopicMap) {
		if _, m := registry.LookupUsername(doc, name); m != nil && len(m.Tags) > 0 {
			res = Result{Code: OK, Message: fmt.Sprintf("Tags for user @%s: %s", name, strings.Join(m.Tags, ", ")), Tags: slices.Clone(m.Tags)}
			return
		}
		if list := doc.UsernameTags[name]; len(list) > 0 {
			res = Result{Code: OK, Message: fmt.Sprintf("Tags for username @%s (user not yet in system): %s", name, strings.Join(list, ", ")), Tags: slices.Clone(list)}
			return
		}
		res = Result{Code: NoTagsFound, Message: fmt.Sprintf("No tags found for username @%s", name)}
	})
	return res
}

// TagsByUserID returns the user's labels. If pending labels exist under the
// user's handle they are merged in, the pending entry is removed, and the
// document is saved.
func (l *Ledger) TagsByUserID(userID int64) []string {
	key := strconv.FormatInt(userID, 10)
	var out []string
	var handle string
	merged := false
	_, saved := l.store.Update(func(doc *persistence.TopicMap) bool {
		m, ok := doc.UserMappings[key]
		if !ok {
			return false
		}
		list, ok := doc.UsernameTags[m.Username]
		if m.Username == "" || !ok {
			out = slices.Clone(m.Tags)
			return false
		}
		for _, tag := range list {
			if !slices.Contains(m.Tags, tag) {
				m.Tags = append(m.Tags, tag)
			}
		}
		delete(doc.UsernameTags, m.Username)
		handle = m.Username
		out = slices.Clone(m.Tags)
		merged = true
		return true
	})
	if merged {
		if !saved {
			l.logger.Warn("reconciled tags not persisted, pending entry kept", "user_id", userID)
			return out
		}
		l.logger.Info("pending tags reconciled", "user_id", userID, "tags", len(out))
		l.bus.Publish(bus.TopicTagsChanged, bus.TagsChangedEvent{Username: handle, Action: "reconcile"})
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func (l *Ledger) finish(res Result, saved bool, name, tag, action string, pending bool) Result {
	if !res.OK() {
		return res
	}
	if !saved {
		l.logger.Error("tag change not persisted", "username", name, "tag", tag, "action", action)
		return Result{Code: StorageUnavailable, Message: "Failed to save data"}
	}
	l.logger.Info("tag changed", "username", name, "tag", tag, "action", action, "pending", pending)
	l.bus.Publish(bus.TopicTagsChanged, bus.TagsChangedEvent{Username: name, Tag: tag, Action: action, Pending: pending})
	return res
}
