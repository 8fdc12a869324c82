package config

import (
	_ "embed"
	"fmt"
	"sync"

	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed jsonl_config_v1.0.0.json
var schemaV1Bytes []byte

var (
	schemaV1   *gojsonschema.Schema
	schemaOnce sync.Once
	schemaErr  error
)

// loadSchema compiles the embedded schema once.
func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		if len(schemaV1Bytes) == 0 {
			schemaErr = jsonlerrors.NewConfigError("embedded schema 'jsonl_config_v1.0.0.json' is empty", nil)
			return
		}
		schemaV1, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaV1Bytes))
		if schemaErr != nil {
			schemaErr = jsonlerrors.NewConfigError("failed to compile embedded schema 'jsonl_config_v1.0.0.json'", schemaErr)
		}
	})
	return schemaV1, schemaErr
}

// ValidateWithSchema validates a YAML document against the embedded v1 schema.
func ValidateWithSchema(documentYAML []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}

	var doc interface{}
	if err := yaml.Unmarshal(documentYAML, &doc); err != nil {
		return jsonlerrors.NewConfigError("failed to parse configuration YAML for schema validation", err)
	}
	// An empty document decodes to nil; let the schema report the missing fields.
	if doc == nil {
		doc = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return jsonlerrors.NewConfigError("schema validation process failed", err)
	}
	if result.Valid() {
		return nil
	}
	errMsg := "configuration failed JSON schema validation:"
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "(root)" || field == "" {
			field = desc.Context().String()
		}
		errMsg += fmt.Sprintf("\n  - Field '%s': %s", field, desc.Description())
	}
	return jsonlerrors.NewValidationError(errMsg, nil)
}
