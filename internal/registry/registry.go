package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/persistence"
)

// UserMeta is the profile captured from a user's first inbound message.
type UserMeta struct {
	Username  string
	FirstName string
	LastName  string
}

// UserRecord is a detached copy of one user's mapping.
type UserRecord struct {
	UserID        int64
	ChannelID     int
	Username      string
	FirstName     string
	LastName      string
	AIModeEnabled bool
	Tags          []string
}

// DisplayName joins first and last name.
func (u UserRecord) DisplayName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Allocator creates a conversation channel for a new user and returns its id.
type Allocator func(ctx context.Context) (int, error)

// Stats summarizes the registry for health reporting.
type Stats struct {
	Users          int `json:"users"`
	AIModeDisabled int `json:"ai_mode_disabled"`
	PendingTags    int `json:"pending_tag_entries"`
}

// Registry owns the topic map document: the user to channel mapping, per-user
// AI mode, and tag storage. All access goes through one document lock.
type Registry struct {
	mu     sync.Mutex
	file   *persistence.File
	doc    *persistence.TopicMap
	logger *slog.Logger
	bus    *bus.Bus
}

// Open loads the topic map document at path for the configured group.
func Open(path string, supportGroupID int64, logger *slog.Logger, eventBus *bus.Bus) (*Registry, persistence.LoadStatus) {
	if logger == nil {
		logger = slog.Default()
	}
	f := persistence.NewFile(path, persistence.TopicMapSchema, logger)
	doc, status := persistence.LoadTopicMap(f, supportGroupID, logger)
	return &Registry{file: f, doc: doc, logger: logger, bus: eventBus}, status
}

// SupportGroupID returns the administrative group the document belongs to.
func (r *Registry) SupportGroupID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.SupportGroupID
}

// ResolveOrCreate returns the user's channel, allocating one on first contact.
// Allocation runs outside the lock; if another caller recorded the user in the
// meantime the earlier mapping wins. A failed allocation records nothing.
func (r *Registry) ResolveOrCreate(ctx context.Context, userID int64, meta UserMeta, allocate Allocator) (int, bool, error) {
	if id, ok := r.ChannelIDFor(userID); ok {
		return id, false, nil
	}
	if allocate == nil {
		return 0, false, fmt.Errorf("resolve user %d: no channel allocator", userID)
	}

	channelID, err := allocate(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("allocate channel for user %d: %w", userID, err)
	}

	key := strconv.FormatInt(userID, 10)
	r.mu.Lock()
	if existing, ok := r.doc.UserMappings[key]; ok {
		r.mu.Unlock()
		r.logger.Warn("user recorded concurrently, discarding allocated channel",
			"user_id", userID, "kept_channel", existing.TopicID, "discarded_channel", channelID)
		return existing.TopicID, false, nil
	}
	r.doc.UserMappings[key] = &persistence.UserMapping{
		TopicID:       channelID,
		Username:      meta.Username,
		FirstName:     meta.FirstName,
		LastName:      meta.LastName,
		AIModeEnabled: true,
		Tags:          []string{},
	}
	saved := r.file.Save(r.doc)
	r.mu.Unlock()

	if !saved {
		r.logger.Warn("new user mapping not persisted", "user_id", userID, "channel_id", channelID)
	}
	r.logger.Info("user mapped to channel", "user_id", userID, "channel_id", channelID, "username", meta.Username)
	r.bus.Publish(bus.TopicUserCreated, bus.UserCreatedEvent{UserID: userID, TopicID: channelID, Username: meta.Username})
	return channelID, true, nil
}

// ChannelIDFor returns the user's channel if the user is known.
func (r *Registry) ChannelIDFor(userID int64) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.doc.UserMappings[strconv.FormatInt(userID, 10)]
	if !ok {
		return 0, false
	}
	return m.TopicID, true
}

// UserIDForChannel reverse-maps a channel to its user by scanning all records.
func (r *Registry) UserIDForChannel(channelID int) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, m := range r.doc.UserMappings {
		if m.TopicID != channelID {
			continue
		}
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			r.logger.Warn("non-integer user id in topic map", "user_id", key, "channel_id", channelID)
			return 0, false
		}
		return id, true
	}
	return 0, false
}

// SetAIMode sets the user's AI mode. It returns false for unknown users and
// writes the document only when the state changes.
func (r *Registry) SetAIMode(userID int64, enabled bool, actor int64) bool {
	key := strconv.FormatInt(userID, 10)

	r.mu.Lock()
	m, ok := r.doc.UserMappings[key]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("ai mode change for unknown user", "user_id", userID)
		return false
	}
	if m.AIModeEnabled == enabled {
		r.mu.Unlock()
		r.logger.Info("ai mode unchanged", "user_id", userID, "enabled", enabled)
		return true
	}
	m.AIModeEnabled = enabled
	saved := r.file.Save(r.doc)
	r.mu.Unlock()

	if !saved {
		r.logger.Warn("ai mode change not persisted", "user_id", userID, "enabled", enabled)
	}
	r.logger.Info("ai mode changed", "user_id", userID, "enabled", enabled, "actor", actor)
	r.bus.Publish(bus.TopicAIModeChanged, bus.AIModeChangedEvent{UserID: userID, Enabled: enabled, Actor: actor})
	return true
}

// IsAIModeEnabled reports the user's AI mode. Unknown users are enabled.
func (r *Registry) IsAIModeEnabled(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.doc.UserMappings[strconv.FormatInt(userID, 10)]
	if !ok {
		return true
	}
	return m.AIModeEnabled
}

// User returns a copy of the user's record.
func (r *Registry) User(userID int64) (UserRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.doc.UserMappings[strconv.FormatInt(userID, 10)]
	if !ok {
		return UserRecord{}, false
	}
	return toRecord(userID, m), true
}

// FindByUsername returns the record with an exactly matching username. Ids are
// visited in ascending order so duplicate handles resolve deterministically.
func (r *Registry) FindByUsername(username string) (UserRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, m := LookupUsername(r.doc, username)
	if m == nil {
		return UserRecord{}, false
	}
	id, _ := strconv.ParseInt(key, 10, 64)
	return toRecord(id, m), true
}

// LookupUsername finds the mapping whose username equals name inside doc.
func LookupUsername(doc *persistence.TopicMap, name string) (string, *persistence.UserMapping) {
	if name == "" {
		return "", nil
	}
	keys := make([]string, 0, len(doc.UserMappings))
	for key := range doc.UserMappings {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.ParseInt(keys[i], 10, 64)
		b, errB := strconv.ParseInt(keys[j], 10, 64)
		if errA != nil || errB != nil {
			return keys[i] < keys[j]
		}
		return a < b
	})
	for _, key := range keys {
		if m := doc.UserMappings[key]; m.Username == name {
			return key, m
		}
	}
	return "", nil
}

// View runs fn against the live document under the lock. fn must not retain
// or modify the document.
func (r *Registry) View(fn func(doc *persistence.TopicMap)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.doc)
}

// Update runs a read-modify-write section against the document under the
// lock. When fn reports a change the document is saved; saved is false only
// if that write failed, in which case the change is rolled back.
func (r *Registry) Update(fn func(doc *persistence.TopicMap) bool) (changed, saved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.doc.Clone()
	if !fn(r.doc) {
		r.doc = prev
		return false, true
	}
	if !r.file.Save(r.doc) {
		r.doc = prev
		return true, false
	}
	return true, true
}

// Stats counts users and pending tag entries.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Users: len(r.doc.UserMappings), PendingTags: len(r.doc.UsernameTags)}
	for _, m := range r.doc.UserMappings {
		if !m.AIModeEnabled {
			s.AIModeDisabled++
		}
	}
	return s
}

// Name identifies the document in snapshot file names.
func (r *Registry) Name() string { return "user_topic_map" }

// Snapshot renders the current document as stored on disk.
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return persistence.Encode(r.doc)
}

func toRecord(userID int64, m *persistence.UserMapping) UserRecord {
	return UserRecord{
		UserID:        userID,
		ChannelID:     m.TopicID,
		Username:      m.Username,
		FirstName:     m.FirstName,
		LastName:      m.LastName,
		AIModeEnabled: m.AIModeEnabled,
		Tags:          append([]string{}, m.Tags...),
	}
}
