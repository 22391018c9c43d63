package persistence

import "log/slog"

// Turn is one stored exchange line.
type Turn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

// History maps a decimal user id to that user's ordered turns.
type History map[string][]Turn

// LoadHistory reads the conversation history document, falling back to an
// empty document on any failure.
func LoadHistory(f *File, logger *slog.Logger) (History, LoadStatus) {
	if logger == nil {
		logger = slog.Default()
	}
	res := f.Read()
	logLoad(logger, "conversation_history", res)
	if res.Status != StatusLoaded {
		return make(History), res.Status
	}
	doc := make(History)
	if err := res.Decode(&doc); err != nil {
		logger.Warn("document unusable, starting empty", "document", "conversation_history", "status", string(StatusSchemaInvalid), "error", err)
		return make(History), StatusSchemaInvalid
	}
	return doc, StatusLoaded
}
