// Package csvplugin implements csv_source, a connector that streams the rows
// of a delimited text file as records.
package csvplugin

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// Name is the plugin name csv_source registers under.
const Name = "csv_source"

// LineField carries the 1-based line number of each row.
const LineField = "_line"

type source struct {
	path      string
	delimiter rune
	header    bool

	file    *os.File
	reader  *csv.Reader
	columns []string
	empty   bool
}

// New creates a csv_source instance.
func New() capability.SourceConnector {
	return &source{}
}

var _ capability.SourceConnector = (*source)(nil)

// Manifest declares csv_source for the given native entry point.
func Manifest(entryPoint string) manifest.Manifest {
	return manifest.Manifest{
		Name:        Name,
		Capability:  capability.KindSourceConnector,
		LoaderKind:  manifest.LoaderNative,
		EntryPoint:  entryPoint,
		Version:     "1.0.0",
		Description: "Streams the rows of a CSV file, one record per row.",
		ConfigSchema: record.MustFromMap(map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path":      map[string]any{"type": "string", "minLength": 1},
				"delimiter": map[string]any{"type": "string", "minLength": 1, "maxLength": 1},
				"header":    map[string]any{"type": "boolean"},
				"encoding":  map[string]any{"enum": []any{"utf-8", "latin-1", "windows-1252", "utf-16le", "utf-16be"}},
			},
		}),
	}
}

func (s *source) Connect(ctx context.Context, cfg record.Record) error {
	path, ok := cfg.GetString("path")
	if !ok || path == "" {
		return capability.ConfigError("path is required")
	}
	s.path = path
	s.delimiter = ','
	if d, ok := cfg.GetString("delimiter"); ok {
		r, size := utf8.DecodeRuneInString(d)
		if size != len(d) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
			return capability.ConfigError("delimiter must be a single character, got %q", d)
		}
		s.delimiter = r
	}
	s.header = true
	if h, ok := cfg.GetBool("header"); ok {
		s.header = h
	}

	var enc encoding.Encoding
	if name, ok := cfg.GetString("encoding"); ok {
		if enc, ok = encodingByName(name); !ok {
			return capability.ConfigError("unsupported encoding %q", name)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return capability.ConnectError(err, "open %s", path)
	}
	s.file = f
	var in io.Reader = f
	if enc != nil {
		in = enc.NewDecoder().Reader(f)
	}
	s.reader = csv.NewReader(in)
	s.reader.Comma = s.delimiter
	s.reader.ReuseRecord = false

	if !s.header {
		return nil
	}
	row, err := s.reader.Read()
	switch {
	case errors.Is(err, io.EOF):
		s.empty = true
		return nil
	case err != nil:
		return capability.ConnectError(err, "read header of %s", path)
	}
	s.columns = append([]string(nil), row...)
	s.reader.FieldsPerRecord = len(s.columns)
	return nil
}

func (s *source) Read(ctx context.Context) (capability.Stream, error) {
	if s.reader == nil {
		return nil, capability.FatalError("read before connect")
	}
	if s.empty {
		return capability.NewSliceStream(), nil
	}
	return capability.StreamFunc(s.next), nil
}

func (s *source) next(ctx context.Context) (record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}

	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return nil, &capability.Error{
			Kind:    capability.ErrorData,
			Message: fmt.Sprintf("%s: malformed row", s.path),
			Details: record.Record{
				"line":   record.Number(float64(parseErr.Line)),
				"reason": record.String(parseErr.Err.Error()),
			},
			Err: err,
		}
	}
	if err != nil {
		return nil, &capability.Error{Kind: capability.ErrorFatal, Message: fmt.Sprintf("read %s", s.path), Err: err}
	}

	line, _ := s.reader.FieldPos(0)
	rec := make(record.Record, len(row)+1)
	for i, field := range row {
		rec[s.column(i)] = record.String(field)
	}
	rec[LineField] = record.Number(float64(line))
	return rec, nil
}

func (s *source) column(i int) string {
	if i < len(s.columns) && s.columns[i] != "" {
		return s.columns[i]
	}
	return fmt.Sprintf("column_%d", i+1)
}

func (s *source) Schema(ctx context.Context) (record.Record, error) {
	props := map[string]any{
		LineField: map[string]any{"type": "number"},
	}
	required := []any{LineField}
	for i := range s.columns {
		name := s.column(i)
		if _, dup := props[name]; dup {
			continue
		}
		props[name] = map[string]any{"type": "string"}
		required = append(required, name)
	}
	return record.FromMap(map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": map[string]any{"type": "string"},
	})
}

func (s *source) Close(ctx context.Context) error {
	if s.file == nil {
		return nil
	}
	f := s.file
	s.file = nil
	s.reader = nil
	if err := f.Close(); err != nil {
		return capability.CloseError(err, "close %s", s.path)
	}
	return nil
}

// encodingByName maps a config name to a decoder. UTF-8 needs none.
func encodingByName(name string) (encoding.Encoding, bool) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return nil, true
	case "latin-1", "latin1", "iso-8859-1":
		return charmap.ISO8859_1, true
	case "windows-1252":
		return charmap.Windows1252, true
	case "utf-16", "utf-16le":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), true
	case "utf-16be":
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM), true
	default:
		return nil, false
	}
}
