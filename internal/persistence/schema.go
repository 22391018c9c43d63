package persistence

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const topicMapSchemaJSON = `{
  "type": "object",
  "required": ["user_mappings"],
  "properties": {
    "support_group_id": {"type": "integer"},
    "user_mappings": {
      "type": "object",
      "propertyNames": {"pattern": "^-?[0-9]+$"},
      "additionalProperties": {
        "type": "object",
        "required": ["topic_id"],
        "properties": {
          "topic_id": {"type": "integer"},
          "username": {"type": ["string", "null"]},
          "first_name": {"type": ["string", "null"]},
          "last_name": {"type": ["string", "null"]},
          "ai_mode_enabled": {"type": "boolean"},
          "tags": {"type": ["array", "null"], "items": {"type": "string"}}
        }
      }
    },
    "username_tags": {
      "type": ["object", "null"],
      "additionalProperties": {"type": "array", "items": {"type": "string"}}
    }
  }
}`

const historySchemaJSON = `{
  "type": "object",
  "propertyNames": {"pattern": "^-?[0-9]+$"},
  "additionalProperties": {
    "type": "array",
    "items": {
      "type": "object",
      "required": ["role", "message"],
      "properties": {
        "role": {"type": "string"},
        "message": {"type": "string"}
      }
    }
  }
}`

var (
	// TopicMapSchema validates the top-level shape of the topic map document.
	TopicMapSchema = mustCompile("topic_map.json", topicMapSchemaJSON)
	// HistorySchema validates the conversation history document.
	HistorySchema = mustCompile("conversation_history.json", historySchemaJSON)
)

// CompileSchema compiles a JSON Schema document registered under name.
func CompileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func mustCompile(name, schemaJSON string) *jsonschema.Schema {
	schema, err := CompileSchema(name, schemaJSON)
	if err != nil {
		panic(fmt.Sprintf("persistence: %s: %v", name, err))
	}
	return schema
}
