package config

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// configSchema constrains the shape of the loaded configuration before any
// component consumes it. Field names follow the Go struct fields because
// validation runs over the re-marshaled document.
var configSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"Providers": map[string]interface{}{
			// Omitted sections marshal as null; both mean "no entries".
			"type": []interface{}{"array", "null"},
			"items": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"ID", "Protocol", "BaseURL"},
				"properties": map[string]interface{}{
					"ID":      map[string]interface{}{"type": "string", "minLength": 1},
					"BaseURL": map[string]interface{}{"type": "string", "minLength": 1},
					"Protocol": map[string]interface{}{
						"type": "string",
						"enum": []interface{}{"anthropic", "openai", "openai-responses", "gemini"},
					},
					"Priority":         map[string]interface{}{"type": "integer", "minimum": 0},
					"Weight":           map[string]interface{}{"type": "integer", "minimum": 0},
					"MaxConcurrency":   map[string]interface{}{"type": "integer", "minimum": 0},
					"FailureThreshold": map[string]interface{}{"type": "integer", "minimum": 0},
				},
			},
		},
		"Keys": map[string]interface{}{
			"type": []interface{}{"array", "null"},
			"items": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"ID"},
				"properties": map[string]interface{}{
					"ID": map[string]interface{}{"type": "string", "minLength": 1},
					"DailyResetMode": map[string]interface{}{
						"type": "string",
						"enum": []interface{}{"", "fixed", "rolling"},
					},
					"FiveHourLimit":  map[string]interface{}{"type": "number", "minimum": 0},
					"DailyLimit":     map[string]interface{}{"type": "number", "minimum": 0},
					"WeeklyLimit":    map[string]interface{}{"type": "number", "minimum": 0},
					"MonthlyLimit":   map[string]interface{}{"type": "number", "minimum": 0},
					"TotalLimit":     map[string]interface{}{"type": "number", "minimum": 0},
					"MaxConcurrency": map[string]interface{}{"type": "integer", "minimum": 0},
				},
			},
		},
		"Filters": map[string]interface{}{
			"type": []interface{}{"array", "null"},
			"items": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"ID", "Pattern"},
				"properties": map[string]interface{}{
					"ID":      map[string]interface{}{"type": "string", "minLength": 1},
					"Pattern": map[string]interface{}{"type": "string", "minLength": 1},
					"Scope": map[string]interface{}{
						"type": "string",
						"enum": []interface{}{"request", "response"},
					},
					"Action": map[string]interface{}{
						"type": "string",
						"enum": []interface{}{"block", "replace"},
					},
				},
			},
		},
	},
}

// Validate checks the configuration against the schema plus constraints the
// schema cannot express: unique IDs and compilable filter patterns.
func (c *Config) Validate() error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config for validation: %w", err)
	}

	schemaLoader := gojsonschema.NewGoLoader(configSchema)
	documentLoader := gojsonschema.NewStringLoader(string(raw))

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}

	seenProviders := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seenProviders[p.ID] {
			return fmt.Errorf("invalid config: duplicate provider id %q", p.ID)
		}
		seenProviders[p.ID] = true
	}

	seenKeys := make(map[string]bool, len(c.Keys))
	for _, k := range c.Keys {
		if seenKeys[k.ID] {
			return fmt.Errorf("invalid config: duplicate key id %q", k.ID)
		}
		seenKeys[k.ID] = true
	}

	for _, f := range c.Filters {
		if _, err := regexp.Compile(f.Pattern); err != nil {
			return fmt.Errorf("invalid config: filter rule %s: %w", f.ID, err)
		}
	}
	return nil
}
