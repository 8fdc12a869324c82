package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaVersionConstraint is the schemaVersion major this build reads.
const SupportedSchemaVersionConstraint = "v1"

// Load parses and validates configuration YAML. Validation runs in order:
// JSON schema, strict decoding, schemaVersion compatibility, then the logical
// rules, whose violations are reported together.
func Load(configYAML []byte, filePathHint string) (*Config, error) {
	if len(bytes.TrimSpace(configYAML)) == 0 {
		return nil, jsonlerrors.NewConfigError(fmt.Sprintf("configuration '%s' is empty", filePathHint), nil)
	}

	if err := ValidateWithSchema(configYAML); err != nil {
		return nil, jsonlerrors.NewConfigError(fmt.Sprintf("configuration '%s' failed schema validation", filePathHint), err)
	}

	var cfg Config
	if err := yamlUnmarshalStrict(configYAML, &cfg); err != nil {
		return nil, jsonlerrors.NewConfigError(fmt.Sprintf("failed to parse configuration YAML '%s'", filePathHint), err)
	}
	cfg.FilePath = filePathHint

	if err := checkSchemaVersion(cfg.SchemaVersion, filePathHint); err != nil {
		return nil, err
	}

	if validationErrs := ValidateStructure(&cfg); len(validationErrs) > 0 {
		msgs := make([]string, 0, len(validationErrs))
		for _, vErr := range validationErrs {
			msgs = append(msgs, vErr.Error())
		}
		combined := fmt.Sprintf("configuration '%s' has %d validation error(s):\n- %s",
			filePathHint, len(msgs), strings.Join(msgs, "\n- "))
		return nil, jsonlerrors.NewValidationError(combined, validationErrs[0])
	}
	return &cfg, nil
}

// LoadFromFile reads and validates a configuration file.
func LoadFromFile(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, jsonlerrors.NewConfigError("configuration file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, jsonlerrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, jsonlerrors.NewConfigError(fmt.Sprintf("failed to read configuration file '%s'", absPath), err)
	}
	return Load(data, absPath)
}

func checkSchemaVersion(version, filePathHint string) error {
	if version == "" {
		return jsonlerrors.NewValidationError(fmt.Sprintf("configuration '%s' is missing required 'schemaVersion' field", filePathHint), nil)
	}
	v := version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return jsonlerrors.NewValidationError(fmt.Sprintf("configuration '%s' has invalid 'schemaVersion' format: '%s'", filePathHint, version), nil)
	}
	if semver.Major(v) != SupportedSchemaVersionConstraint {
		return jsonlerrors.NewValidationError(fmt.Sprintf("configuration '%s' schemaVersion '%s' is not compatible with requirement '%s'",
			filePathHint, version, SupportedSchemaVersionConstraint), nil)
	}
	return nil
}

// yamlUnmarshalStrict rejects keys that Config does not define.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(in))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
