package persistence

import (
	"log/slog"
)

// UserMapping is one user's entry in the topic map document.
type UserMapping struct {
	TopicID       int      `json:"topic_id"`
	Username      string   `json:"username"`
	FirstName     string   `json:"first_name"`
	LastName      string   `json:"last_name"`
	AIModeEnabled bool     `json:"ai_mode_enabled"`
	Tags          []string `json:"tags"`
}

// TopicMap is the document pairing users with their forum topics, plus tags
// recorded against handles that have not messaged the bot yet.
type TopicMap struct {
	SupportGroupID int64                   `json:"support_group_id"`
	UserMappings   map[string]*UserMapping `json:"user_mappings"`
	UsernameTags   map[string][]string     `json:"username_tags"`
}

// NewTopicMap returns an empty document for the given support group.
func NewTopicMap(supportGroupID int64) *TopicMap {
	return &TopicMap{
		SupportGroupID: supportGroupID,
		UserMappings:   make(map[string]*UserMapping),
		UsernameTags:   make(map[string][]string),
	}
}

// LoadTopicMap reads the topic map document. Any load failure yields a fresh
// document. Records missing ai_mode_enabled are defaulted to true and the
// document is re-saved immediately.
func LoadTopicMap(f *File, supportGroupID int64, logger *slog.Logger) (*TopicMap, LoadStatus) {
	if logger == nil {
		logger = slog.Default()
	}
	res := f.Read()
	logLoad(logger, "topic_map", res)
	if res.Status != StatusLoaded {
		return NewTopicMap(supportGroupID), res.Status
	}

	doc := NewTopicMap(supportGroupID)
	if err := res.Decode(doc); err != nil {
		logger.Warn("document unusable, starting empty", "document", "topic_map", "status", string(StatusSchemaInvalid), "error", err)
		return NewTopicMap(supportGroupID), StatusSchemaInvalid
	}

	if doc.SupportGroupID != supportGroupID {
		logger.Warn("support group id in topic map differs from config, using config value",
			"stored", doc.SupportGroupID, "configured", supportGroupID)
		doc.SupportGroupID = supportGroupID
	}
	if doc.UserMappings == nil {
		doc.UserMappings = make(map[string]*UserMapping)
	}
	if doc.UsernameTags == nil {
		doc.UsernameTags = make(map[string][]string)
	}

	missing := missingAIMode(res.Tree)
	for userID, m := range doc.UserMappings {
		if m == nil {
			delete(doc.UserMappings, userID)
			continue
		}
		if m.Tags == nil {
			m.Tags = []string{}
		}
		if _, ok := missing[userID]; ok {
			logger.Info("adding missing ai_mode_enabled (default true)", "user_id", userID)
			m.AIModeEnabled = true
		}
	}

	if len(missing) > 0 {
		if !f.Save(doc) {
			logger.Warn("migrated topic map could not be re-saved", "path", f.Path())
		}
		return doc, StatusMigrated
	}
	return doc, StatusLoaded
}

// missingAIMode returns the user ids whose record has no ai_mode_enabled key.
func missingAIMode(tree any) map[string]struct{} {
	out := make(map[string]struct{})
	root, ok := tree.(map[string]any)
	if !ok {
		return out
	}
	mappings, ok := root["user_mappings"].(map[string]any)
	if !ok {
		return out
	}
	for userID, raw := range mappings {
		rec, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if _, ok := rec["ai_mode_enabled"]; !ok {
			out[userID] = struct{}{}
		}
	}
	return out
}

// Clone returns a deep copy of the document.
func (m *TopicMap) Clone() *TopicMap {
	out := NewTopicMap(m.SupportGroupID)
	for id, rec := range m.UserMappings {
		cp := *rec
		cp.Tags = append([]string{}, rec.Tags...)
		out.UserMappings[id] = &cp
	}
	for name, tags := range m.UsernameTags {
		out.UsernameTags[name] = append([]string{}, tags...)
	}
	return out
}
