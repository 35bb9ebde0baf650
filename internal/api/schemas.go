// internal/api/schemas.go
package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Request body schemas, validated before any handler logic runs. A payload
// that fails its schema never reaches the engine.
var (
	createJobSchema = map[string]interface{}{
		"type":                 "object",
		"required":             []interface{}{"requesterId", "scheduledAt", "durationMinutes", "grossPrice"},
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"requesterId":     map[string]interface{}{"type": "string", "minLength": 1},
			"scheduledAt":     map[string]interface{}{"type": "string", "format": "date-time"},
			"durationMinutes": map[string]interface{}{"type": "integer", "minimum": 1},
			"grossPrice":      map[string]interface{}{"type": "integer", "minimum": 1},
			"feeRate":         map[string]interface{}{"type": "number", "minimum": 0, "exclusiveMaximum": 1},
			"addOns": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
			"location": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"address": map[string]interface{}{"type": "string"},
					"lat":     map[string]interface{}{"type": "number"},
					"lng":     map[string]interface{}{"type": "number"},
				},
			},
		},
	}

	fulfillerActionSchema = map[string]interface{}{
		"type":                 "object",
		"required":             []interface{}{"fulfillerId"},
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"fulfillerId": map[string]interface{}{"type": "string", "minLength": 1},
		},
	}

	reportDelaySchema = map[string]interface{}{
		"type":                 "object",
		"required":             []interface{}{"fulfillerId", "delayMinutes"},
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"fulfillerId":  map[string]interface{}{"type": "string", "minLength": 1},
			"delayMinutes": map[string]interface{}{"type": "integer", "minimum": 1},
		},
	}

	cancelSchema = map[string]interface{}{
		"type":                 "object",
		"required":             []interface{}{"partyId"},
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"partyId": map[string]interface{}{"type": "string", "minLength": 1},
			"reason":  map[string]interface{}{"type": "string"},
		},
	}

	payoutQuoteSchema = map[string]interface{}{
		"type":                 "object",
		"required":             []interface{}{"grossPrice", "durationMinutes"},
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"grossPrice":      map[string]interface{}{"type": "integer", "minimum": 1},
			"durationMinutes": map[string]interface{}{"type": "integer", "minimum": 1},
			"feeRate":         map[string]interface{}{"type": "number", "minimum": 0, "exclusiveMaximum": 1},
		},
	}

	payoutTargetSchema = map[string]interface{}{
		"type":                 "object",
		"required":             []interface{}{"netPayout"},
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"netPayout": map[string]interface{}{"type": "integer", "minimum": 1},
			"feeRate":   map[string]interface{}{"type": "number", "minimum": 0, "exclusiveMaximum": 1},
		},
	}

	registerOnboardingSchema = map[string]interface{}{
		"type":                 "object",
		"required":             []interface{}{"variant"},
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"variant": map[string]interface{}{"type": "string", "minLength": 1},
		},
	}

	stepTargetSchema = map[string]interface{}{
		"type":                 "object",
		"required":             []interface{}{"step"},
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"step": map[string]interface{}{"type": "integer", "minimum": 1},
		},
	}
)

// validatePayload checks a decoded JSON document against a schema and
// flattens any violations into one error message.
func validatePayload(schema map[string]interface{}, document interface{}) error {
	schemaLoader := gojsonschema.NewGoLoader(schema)
	documentLoader := gojsonschema.NewGoLoader(document)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
