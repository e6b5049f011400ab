// Package flow reads flow definitions and runs them against a plugin
// registry: one source connector feeding a chain of enrichment functions.
package flow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	flowerrors "github.com/alexisbeaulieu97/flowplug/pkg/errors"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// OnDataError selects what a run does with a record that a step rejects.
type OnDataError string

const (
	// SkipRecord drops the record, counts it and keeps going.
	SkipRecord OnDataError = "skip"
	// AbortRun stops the run at the first rejected record.
	AbortRun OnDataError = "abort"
)

// Step binds one plugin to its position in the flow.
type Step struct {
	StepName   string        `yaml:"step_name" json:"step_name" validate:"required,step_name"`
	PluginName string        `yaml:"plugin" json:"plugin" validate:"required,step_name"`
	Config     record.Record `yaml:"config,omitempty" json:"config,omitempty"`
}

// Flow is a named, ordered list of steps. The first step must name a source
// connector and every later step an enrichment function.
type Flow struct {
	Name        string      `yaml:"flow_name" json:"flow_name" validate:"required"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	OnDataError OnDataError `yaml:"on_data_error,omitempty" json:"on_data_error,omitempty" validate:"omitempty,oneof=skip abort"`
	Workers     int         `yaml:"workers,omitempty" json:"workers,omitempty" validate:"omitempty,min=1,max=256"`
	Steps       []Step      `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

var (
	yamlLineRegex   = regexp.MustCompile(`line (\d+)`)
	stepNamePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

	validatorOnce sync.Once
	validateInst  *validator.Validate
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("step_name", func(fl validator.FieldLevel) bool {
			return stepNamePattern.MatchString(fl.Field().String())
		})
		validateInst = v
	})
	return validateInst
}

// Load reads and validates the flow definition at path.
func Load(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, flowerrors.NewParseError(path, 0, err)
	}
	return Parse(path, data)
}

// Parse decodes and validates a flow definition. A ".json" path is read as
// JSON, anything else as YAML.
func Parse(path string, data []byte) (*Flow, error) {
	var f Flow
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, flowerrors.NewParseError(path, jsonLine(data, err), err)
		}
	} else if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, flowerrors.NewParseError(path, extractLine(err), err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks field formats and that step and plugin names are unique.
// Capabilities are checked against the registry when the flow runs.
func (f *Flow) Validate() error {
	if err := validatorInstance().Struct(f); err != nil {
		return convertValidationError(err)
	}

	stepIndex := make(map[string]int, len(f.Steps))
	pluginIndex := make(map[string]int, len(f.Steps))
	for i, step := range f.Steps {
		if prev, exists := stepIndex[step.StepName]; exists {
			return flowerrors.NewValidationError(fieldForStep(i, "step_name"),
				fmt.Sprintf("duplicate step name %q (also steps[%d])", step.StepName, prev), nil)
		}
		if prev, exists := pluginIndex[step.PluginName]; exists {
			return flowerrors.NewValidationError(fieldForStep(i, "plugin"),
				fmt.Sprintf("plugin %q is already bound to steps[%d]; a plugin holds one handle", step.PluginName, prev), nil)
		}
		stepIndex[step.StepName] = i
		pluginIndex[step.PluginName] = i
	}
	return nil
}

// Policy returns the effective data error policy.
func (f *Flow) Policy() OnDataError {
	if f.OnDataError == "" {
		return SkipRecord
	}
	return f.OnDataError
}

// Source is the first step.
func (f *Flow) Source() Step {
	return f.Steps[0]
}

// Enrichments are the steps after the source.
func (f *Flow) Enrichments() []Step {
	return f.Steps[1:]
}

func convertValidationError(err error) error {
	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		ve := ves[0]
		field := yamlishFieldName(ve)
		return flowerrors.NewValidationError(field, fmt.Sprintf("%s failed validation for tag '%s'", field, ve.Tag()), err)
	}
	return flowerrors.NewValidationError("", err.Error(), err)
}

var fieldNames = map[string]string{
	"Name":        "flow_name",
	"OnDataError": "on_data_error",
	"Workers":     "workers",
	"Steps":       "steps",
	"StepName":    "step_name",
	"PluginName":  "plugin",
}

func yamlishFieldName(fe validator.FieldError) string {
	parts := strings.Split(fe.StructNamespace(), ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, part := range parts {
		base, index, _ := strings.Cut(part, "[")
		if name, ok := fieldNames[base]; ok {
			base = name
		}
		if index != "" {
			base += "[" + index
		}
		parts[i] = base
	}
	return strings.Join(parts, ".")
}

func fieldForStep(index int, field string) string {
	return fmt.Sprintf("steps[%d].%s", index, field)
}

func extractLine(err error) int {
	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}
	line, convErr := strconv.Atoi(matches[1])
	if convErr != nil {
		return 0
	}
	return line
}

// jsonLine maps the byte offset of a JSON decode error to a 1-based line.
func jsonLine(data []byte, err error) int {
	var offset int64
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		offset = syntaxErr.Offset
	case errors.As(err, &typeErr):
		offset = typeErr.Offset
	default:
		return 0
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return bytes.Count(data[:offset], []byte("\n")) + 1
}
