package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var webhookSchemaDef = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"url", "eventTypes"},
	"properties": map[string]interface{}{
		"url": map[string]interface{}{"type": "string", "minLength": 1},
		"eventTypes": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
	},
}

var messageSchemaDef = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"target"},
	"properties": map[string]interface{}{
		"target": map[string]interface{}{"type": "string", "minLength": 1},
		"text":   map[string]interface{}{"type": "string"},
		"media": map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"mimetype", "data"},
			"properties": map[string]interface{}{
				"mimetype": map[string]interface{}{"type": "string", "minLength": 1},
				"data":     map[string]interface{}{"type": "string", "minLength": 1},
				"filename": map[string]interface{}{"type": "string"},
			},
		},
	},
	"anyOf": []interface{}{
		map[string]interface{}{"required": []interface{}{"text"}},
		map[string]interface{}{"required": []interface{}{"media"}},
	},
}

var (
	webhookSchema = mustSchema(webhookSchemaDef)
	messageSchema = mustSchema(messageSchemaDef)
)

func mustSchema(def map[string]interface{}) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid request schema: %v", err))
	}
	return schema
}

// validateBody checks raw JSON against schema and flattens violations into one error.
func validateBody(schema *gojsonschema.Schema, raw []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}
