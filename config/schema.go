package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
)

// configSchema is the structural contract for the configuration document.
// Cross-field rules (device name uniqueness, pressure device membership)
// live in Validate; the schema handles shape and bounds.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["lab", "nats"],
  "additionalProperties": false,
  "properties": {
    "lab": {
      "type": "object",
      "required": ["id", "devices"],
      "additionalProperties": false,
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "devices": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["name", "time_limit_seconds"],
            "additionalProperties": false,
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "time_limit_seconds": {"type": "number", "exclusiveMinimum": 0}
            }
          }
        },
        "required_workers": {"type": "array", "items": {"type": "string"}},
        "pressure_threshold_mbar": {"type": "number", "minimum": 0},
        "pressure_devices": {"type": "array", "items": {"type": "string"}},
        "armed_grace_period_ms": {"type": "integer", "minimum": 0},
        "submit_timeout_ms": {"type": "integer", "minimum": 0},
        "kill_tick_ms": {"type": "integer", "minimum": 50, "maximum": 100},
        "heartbeat_tick_ms": {"type": "integer", "minimum": 0},
        "heartbeat_timeout_ms": {"type": "integer", "minimum": 0}
      }
    },
    "nats": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "url": {"type": "string"},
        "max_reconnects": {"type": "integer"},
        "reconnect_wait_ms": {"type": "integer", "minimum": 0},
        "audit": {"type": "boolean"}
      }
    },
    "telemetry": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "url": {"type": "string"}
      }
    },
    "metrics": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535}
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "format": {"type": "string", "enum": ["json", "text"]}
      }
    }
  }
}`

// ValidateSchema checks a raw configuration document against the embedded
// schema. Errors list every failing field, not just the first.
func ValidateSchema(data []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Config", "ValidateSchema", "run schema validation")
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(details, "; ")),
		"Config", "ValidateSchema", "check document")
}
