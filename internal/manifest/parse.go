package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	flowerrors "github.com/alexisbeaulieu97/flowplug/pkg/errors"
)

// MarkerFiles are the file names discovery treats as manifest declarations.
var MarkerFiles = []string{"plugin.yaml", "plugin.yml", "plugin.json", "plugin.hcl"}

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// IsMarker reports whether base is a manifest file name.
func IsMarker(base string) bool {
	for _, marker := range MarkerFiles {
		if base == marker {
			return true
		}
	}
	return false
}

// ParseFile reads, parses and validates the manifest at path.
func ParseFile(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, flowerrors.NewParseError(path, 0, err)
	}
	return Parse(path, data)
}

// Parse decodes data according to the extension of path and validates the result.
func Parse(path string, data []byte) (Manifest, error) {
	var (
		m   Manifest
		err error
	)

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		m, err = parseYAML(path, data)
	case ".json":
		m, err = parseJSON(path, data)
	case ".hcl":
		m, err = parseHCL(path, data)
	default:
		return Manifest{}, flowerrors.NewParseError(path, 0, fmt.Errorf("unsupported manifest format %q", filepath.Ext(path)))
	}
	if err != nil {
		return Manifest{}, err
	}

	m.Path = path
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func parseYAML(path string, data []byte) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return Manifest{}, flowerrors.NewParseError(path, 0, errors.New("manifest is empty"))
		}
		return Manifest{}, flowerrors.NewParseError(path, extractLine(err), err)
	}
	return m, nil
}

func parseJSON(path string, data []byte) (Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return Manifest{}, flowerrors.NewParseError(path, 0, errors.New("manifest is empty"))
		}
		return Manifest{}, flowerrors.NewParseError(path, 0, err)
	}
	return m, nil
}

func extractLine(err error) int {
	if err == nil {
		return 0
	}

	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}

	var line int
	if _, scanErr := fmt.Sscanf(matches[1], "%d", &line); scanErr != nil {
		return 0
	}

	return line
}
