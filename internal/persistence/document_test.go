package persistence

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestLoadTopicMap_MissingFileStartsEmpty(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "user_topic_map.json"), TopicMapSchema, nil)
	doc, status := LoadTopicMap(f, -100123, nil)
	if status != StatusMissing {
		t.Fatalf("status = %s, want %s", status, StatusMissing)
	}
	if doc.SupportGroupID != -100123 || len(doc.UserMappings) != 0 || len(doc.UsernameTags) != 0 {
		t.Fatalf("expected fresh document, got %#v", doc)
	}
}

func TestLoadTopicMap_CorruptAndSchemaInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    LoadStatus
		wantErr error
	}{
		{"invalid json", `{"user_mappings": {`, StatusCorrupt, ErrCorrupt},
		{"mappings not object", `{"support_group_id": 1, "user_mappings": []}`, StatusSchemaInvalid, ErrSchemaInvalid},
		{"non numeric user id", `{"user_mappings": {"abc": {"topic_id": 1}}}`, StatusSchemaInvalid, ErrSchemaInvalid},
		{"missing mappings", `{"support_group_id": 1}`, StatusSchemaInvalid, ErrSchemaInvalid},
		{"top level array", `[1,2,3]`, StatusSchemaInvalid, ErrSchemaInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "user_topic_map.json")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			f := NewFile(path, TopicMapSchema, nil)
			res := f.Read()
			if res.Status != tc.want {
				t.Fatalf("read status = %s, want %s", res.Status, tc.want)
			}
			if !errors.Is(res.Err, tc.wantErr) {
				t.Fatalf("read err = %v, want %v", res.Err, tc.wantErr)
			}
			doc, status := LoadTopicMap(f, 7, nil)
			if status != tc.want {
				t.Fatalf("load status = %s, want %s", status, tc.want)
			}
			if len(doc.UserMappings) != 0 {
				t.Fatalf("expected empty mappings, got %d", len(doc.UserMappings))
			}
		})
	}
}

func TestTopicMap_SaveLoadRoundTrip(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "data", "user_topic_map.json"), TopicMapSchema, nil)
	doc := NewTopicMap(-100)
	doc.UserMappings["111"] = &UserMapping{
		TopicID:       555,
		Username:      "alice",
		FirstName:     "Alice",
		LastName:      "Liddell",
		AIModeEnabled: false,
		Tags:          []string{"vip", "beta"},
	}
	doc.UserMappings["222"] = &UserMapping{TopicID: 556, FirstName: "Bob", AIModeEnabled: true, Tags: []string{}}
	doc.UsernameTags["carol"] = []string{"lead"}

	if !f.Save(doc) {
		t.Fatalf("save failed")
	}
	got, status := LoadTopicMap(f, -100, nil)
	if status != StatusLoaded {
		t.Fatalf("status = %s, want %s", status, StatusLoaded)
	}
	if !reflect.DeepEqual(got, doc) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, doc)
	}
}

func TestLoadTopicMap_MigratesMissingAIMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_topic_map.json")
	legacy := `{
		"support_group_id": -100,
		"user_mappings": {
			"111": {"topic_id": 555, "username": "alice", "first_name": "Alice", "last_name": null},
			"222": {"topic_id": 556, "username": null, "first_name": "Bob", "last_name": null, "ai_mode_enabled": false}
		}
	}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := NewFile(path, TopicMapSchema, nil)
	doc, status := LoadTopicMap(f, -100, nil)
	if status != StatusMigrated {
		t.Fatalf("status = %s, want %s", status, StatusMigrated)
	}
	if !doc.UserMappings["111"].AIModeEnabled {
		t.Fatalf("expected user 111 to default ai mode to true")
	}
	if doc.UserMappings["222"].AIModeEnabled {
		t.Fatalf("expected user 222 to keep ai mode false")
	}
	if doc.UserMappings["111"].Tags == nil || doc.UsernameTags == nil {
		t.Fatalf("expected tags and username_tags to be defaulted")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rec := onDisk["user_mappings"].(map[string]any)["111"].(map[string]any)
	if rec["ai_mode_enabled"] != true {
		t.Fatalf("expected migrated document re-saved with ai_mode_enabled, got %#v", rec)
	}

	_, status = LoadTopicMap(f, -100, nil)
	if status != StatusLoaded {
		t.Fatalf("second load status = %s, want %s", status, StatusLoaded)
	}
}

func TestLoadTopicMap_ConfiguredGroupWins(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "user_topic_map.json"), TopicMapSchema, nil)
	if !f.Save(NewTopicMap(-1)) {
		t.Fatalf("save failed")
	}
	doc, _ := LoadTopicMap(f, -2, nil)
	if doc.SupportGroupID != -2 {
		t.Fatalf("support group = %d, want -2", doc.SupportGroupID)
	}
}

func TestFile_SaveFailureReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	// The target path is an existing directory, so the rename must fail.
	target := filepath.Join(dir, "occupied")
	if err := os.MkdirAll(filepath.Join(target, "child"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f := NewFile(target, nil, nil)
	if f.Save(NewTopicMap(1)) {
		t.Fatalf("expected save to report failure")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteFileAtomic_ReplacesWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := WriteFileAtomic(path, []byte(`{"a": "a long first version"}`)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`{}`)); err != nil {
		t.Fatalf("second write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != `{}` {
		t.Fatalf("content = %q, want {}", raw)
	}
}

func TestHistory_SaveLoadRoundTrip(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "conversation_history.json"), HistorySchema, nil)
	doc := History{
		"111": {{Role: "user", Message: "hello"}, {Role: "assistant", Message: "hi there"}},
		"222": {},
	}
	if !f.Save(doc) {
		t.Fatalf("save failed")
	}
	got, status := LoadHistory(f, nil)
	if status != StatusLoaded {
		t.Fatalf("status = %s", status)
	}
	if !reflect.DeepEqual(got, doc) {
		t.Fatalf("round trip mismatch: got %#v want %#v", got, doc)
	}
}

func TestLoadHistory_InvalidShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation_history.json")
	if err := os.WriteFile(path, []byte(`{"111": [{"role": "user"}]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	doc, status := LoadHistory(NewFile(path, HistorySchema, nil), nil)
	if status != StatusSchemaInvalid {
		t.Fatalf("status = %s, want %s", status, StatusSchemaInvalid)
	}
	if len(doc) != 0 {
		t.Fatalf("expected empty history")
	}
}
