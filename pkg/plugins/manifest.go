package plugins

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Format is the serialization of a manifest document
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ManifestFile is a candidate manifest file name within a plugin location
type ManifestFile struct {
	Name   string
	Format Format
}

// ManifestFiles lists the manifest file names tried for a location, in order
var ManifestFiles = []ManifestFile{
	{Name: "config.json", Format: FormatJSON},
	{Name: "config.yaml", Format: FormatYAML},
	{Name: "config.yml", Format: FormatYAML},
}

//go:embed schema/manifest.schema.json
var schemaBytes []byte

var (
	compiledSchema *jsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidationError represents a manifest validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func getSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
		if err != nil {
			compileErr = fmt.Errorf("failed to unmarshal manifest schema: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("failed to add manifest schema: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("manifest.schema.json")
	})
	return compiledSchema, compileErr
}

// ParseManifest decodes and validates a manifest document
func ParseManifest(data []byte, format Format) (*Manifest, error) {
	jsonData, err := toJSON(data, format)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse manifest: %v", ErrInvalidManifest, err)
	}

	schema, err := getSchema()
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse manifest: %v", ErrInvalidManifest, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	var manifest Manifest
	if err := json.Unmarshal(jsonData, &manifest); err != nil {
		return nil, fmt.Errorf("%w: failed to decode manifest: %v", ErrInvalidManifest, err)
	}

	if validationErrors := ValidateManifest(&manifest); len(validationErrors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidManifest, joinValidationErrors(validationErrors))
	}

	return &manifest, nil
}

// toJSON normalizes a manifest document to JSON bytes
func toJSON(data []byte, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		if !json.Valid(data) {
			return nil, fmt.Errorf("malformed JSON")
		}
		return data, nil
	case FormatYAML:
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return json.Marshal(raw)
	default:
		return nil, fmt.Errorf("unsupported manifest format: %s", format)
	}
}

// LoadManifest loads and parses a manifest file, choosing the format from its extension
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data, formatFor(path))
}

// SaveManifest writes a manifest to a file, choosing the format from its extension
func SaveManifest(manifest *Manifest, path string) error {
	var (
		data []byte
		err  error
	)

	if formatFor(path) == FormatYAML {
		data, err = yaml.Marshal(manifest)
	} else {
		data, err = json.MarshalIndent(manifest, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// ValidateManifest performs semantic validation on a decoded manifest
func ValidateManifest(manifest *Manifest) []ValidationError {
	var errors []ValidationError

	if manifest.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "name",
			Message: "Plugin name is required",
		})
	} else if !nameRegex.MatchString(manifest.Name) {
		errors = append(errors, ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("Invalid plugin name: %s", manifest.Name),
		})
	}

	if manifest.Version != "" {
		if _, err := semver.NewVersion(manifest.Version); err != nil {
			errors = append(errors, ValidationError{
				Field:   "version",
				Message: fmt.Sprintf("Invalid semver format: %s", manifest.Version),
			})
		}
	}

	if len(manifest.Routes) == 0 {
		errors = append(errors, ValidationError{
			Field:   "routes",
			Message: "At least one route is required",
		})
	}

	for i, route := range manifest.Routes {
		if route.Path == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("routes[%d].path", i),
				Message: "Route path is required",
			})
		}
		if route.Component == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("routes[%d].component", i),
				Message: "Route component is required",
			})
		}
	}

	seenTypes := make(map[string]bool)
	for i, field := range manifest.Fields {
		if field.Type == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("fields[%d].type", i),
				Message: "Field type is required",
			})
		} else if seenTypes[field.Type] {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("fields[%d].type", i),
				Message: fmt.Sprintf("Duplicate field type: %s", field.Type),
			})
		}
		seenTypes[field.Type] = true

		if field.Label == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("fields[%d].label", i),
				Message: "Field label is required",
			})
		}
		if field.FormComponent == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("fields[%d].formComponent", i),
				Message: "Field form component is required",
			})
		}
	}

	if manifest.Settings != nil && manifest.Settings.Menu != nil && manifest.Settings.Menu.Label == "" {
		errors = append(errors, ValidationError{
			Field:   "settings.menu.label",
			Message: "Settings menu label is required",
		})
	}

	return errors
}

func joinValidationErrors(errs []ValidationError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}
