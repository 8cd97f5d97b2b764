package compile

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// definitionSchema guards the outer document shape. Structural detail
// (step kinds, subgraph fields, graph acyclicity) is validated in code
// where the errors can reference step ids.
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "trigger": {"type": "object"},
    "triggers": {"type": "array", "items": {"type": "object"}},
    "steps": {"type": "array", "items": {"type": "object", "required": ["id", "type"]}},
    "nodes": {"type": "array", "items": {"type": "object", "required": ["id", "type"]}},
    "edges": {
      "type": "array",
      "items": {"type": "object", "required": ["from", "to"]}
    },
    "errorHandling": {"type": "object"},
    "sagaConfig": {"type": "object"}
  },
  "anyOf": [
    {"required": ["steps"]},
    {"required": ["nodes"]}
  ]
}`

var schemaLoader = gojsonschema.NewStringLoader(definitionSchema)

// validateDocument checks the raw document against the embedded schema.
func validateDocument(doc []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return models.NewValidationError("definition is not valid JSON: %v", err)
	}
	if !result.Valid() {
		msg := ""
		for _, e := range result.Errors() {
			if msg != "" {
				msg += "; "
			}
			msg += e.String()
		}
		return models.NewValidationError("invalid definition: %s", msg)
	}
	return nil
}
