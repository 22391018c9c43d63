package persistence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrStorageUnavailable wraps I/O failures while reading or writing a document.
	ErrStorageUnavailable = errors.New("persistence: storage unavailable")
	// ErrSchemaInvalid marks a document whose JSON does not match its schema.
	ErrSchemaInvalid = errors.New("persistence: schema invalid")
	// ErrCorrupt marks a document that is not valid JSON.
	ErrCorrupt = errors.New("persistence: corrupt json")
)

// LoadStatus describes how a document came to be in memory.
type LoadStatus string

const (
	StatusLoaded        LoadStatus = "LOADED"
	StatusMigrated      LoadStatus = "MIGRATED"
	StatusMissing       LoadStatus = "MISSING"
	StatusCorrupt       LoadStatus = "CORRUPT"
	StatusSchemaInvalid LoadStatus = "SCHEMA_INVALID"
	StatusUnavailable   LoadStatus = "UNAVAILABLE"
)

// Fresh reports whether the caller is starting from an empty document.
func (s LoadStatus) Fresh() bool {
	return s != StatusLoaded && s != StatusMigrated
}

// LoadResult is the tagged outcome of reading a document from disk.
type LoadResult struct {
	Status LoadStatus
	Err    error
	// Tree is the schema-validated generic form, set only when Status is StatusLoaded.
	Tree any
	raw  []byte
}

// Decode unmarshals the validated document into out.
func (r LoadResult) Decode(out any) error {
	if r.Status != StatusLoaded {
		return fmt.Errorf("decode %s document", strings.ToLower(string(r.Status)))
	}
	if err := json.Unmarshal(r.raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	return nil
}

// File is a single JSON document on disk, rewritten wholesale on every save.
type File struct {
	path   string
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewFile binds a path to a compiled schema. A nil schema skips validation.
func NewFile(path string, schema *jsonschema.Schema, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{path: path, schema: schema, logger: logger}
}

// Path returns the on-disk location of the document.
func (f *File) Path() string {
	return f.path
}

// Read loads and validates the document. It never returns an error to the
// caller directly; failures are reported through the result status.
func (f *File) Read() LoadResult {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return LoadResult{Status: StatusMissing}
		}
		return LoadResult{Status: StatusUnavailable, Err: fmt.Errorf("%w: read %s: %v", ErrStorageUnavailable, f.path, err)}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return LoadResult{Status: StatusMissing}
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator requires.
	tree, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return LoadResult{Status: StatusCorrupt, Err: fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)}
	}
	if f.schema != nil {
		if err := f.schema.Validate(tree); err != nil {
			return LoadResult{Status: StatusSchemaInvalid, Err: fmt.Errorf("%w: %s: %v", ErrSchemaInvalid, f.path, err)}
		}
	}
	return LoadResult{Status: StatusLoaded, Tree: tree, raw: data}
}

// Save serializes v and atomically replaces the document. It returns false
// on any failure after logging the cause.
func (f *File) Save(v any) bool {
	data, err := Encode(v)
	if err != nil {
		f.logger.Error("encode document failed", "path", f.path, "error", err)
		return false
	}
	if err := WriteFileAtomic(f.path, data); err != nil {
		f.logger.Error("save document failed", "path", f.path, "error", err)
		return false
	}
	return true
}

// Encode renders a document the way it is stored on disk.
func Encode(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteFileAtomic writes content to a temp file in the target directory, syncs
// it, then renames it over path so readers never observe a partial document.
func WriteFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrStorageUnavailable, dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrStorageUnavailable, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write temp: %v", ErrStorageUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync temp: %v", ErrStorageUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp: %v", ErrStorageUnavailable, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename: %v", ErrStorageUnavailable, err)
	}

	// Best effort directory sync; ignore failures.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// logLoad reports a non-successful load the same way for every document.
func logLoad(logger *slog.Logger, name string, res LoadResult) {
	switch res.Status {
	case StatusLoaded:
		logger.Info("document loaded", "document", name)
	case StatusMissing:
		logger.Info("document not found, starting empty", "document", name)
	default:
		logger.Warn("document unusable, starting empty", "document", name, "status", string(res.Status), "error", res.Err)
	}
}
