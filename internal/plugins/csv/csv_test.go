package csvplugin

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func connect(t *testing.T, cfg record.Record) capability.SourceConnector {
	t.Helper()
	src := New()
	require.NoError(t, src.Connect(context.Background(), cfg))
	t.Cleanup(func() { _ = src.Close(context.Background()) })
	return src
}

func TestCSVSourceReadsRowsWithHeader(t *testing.T) {
	t.Parallel()

	src := connect(t, record.Record{"path": record.String(writeCSV(t, "id,title\n1,first\n2,\"second, quoted\"\n"))})
	ctx := context.Background()
	stream, err := src.Read(ctx)
	require.NoError(t, err)

	first, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.True(t, first.Equal(record.Record{
		"id":      record.String("1"),
		"title":   record.String("first"),
		LineField: record.Number(2),
	}), first)

	second, err := stream.Next(ctx)
	require.NoError(t, err)
	title, _ := second.GetString("title")
	assert.Equal(t, "second, quoted", title)

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCSVSourceWithoutHeaderNamesColumns(t *testing.T) {
	t.Parallel()

	src := connect(t, record.Record{
		"path":      record.String(writeCSV(t, "a\tb\n")),
		"header":    record.Bool(false),
		"delimiter": record.String("\t"),
	})
	ctx := context.Background()
	stream, err := src.Read(ctx)
	require.NoError(t, err)

	rec, err := stream.Next(ctx)
	require.NoError(t, err)
	v, _ := rec.GetString("column_2")
	assert.Equal(t, "b", v)
}

func TestCSVSourceMalformedRowIsDataError(t *testing.T) {
	t.Parallel()

	src := connect(t, record.Record{"path": record.String(writeCSV(t, "a,b\n1,2\n3\n4,5\n"))})
	ctx := context.Background()
	stream, err := src.Read(ctx)
	require.NoError(t, err)

	_, err = stream.Next(ctx)
	require.NoError(t, err)

	_, err = stream.Next(ctx)
	require.Error(t, err)
	var tagged *capability.Error
	require.True(t, errors.As(err, &tagged))
	assert.Equal(t, capability.ErrorData, tagged.Kind)
	line, _ := tagged.Details.GetInt("line")
	assert.Equal(t, 3, line)

	rec, err := stream.Next(ctx)
	require.NoError(t, err, "the stream continues after a rejected row")
	v, _ := rec.GetString("a")
	assert.Equal(t, "4", v)
}

func TestCSVSourceConnectErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  record.Record
		kind capability.ErrorKind
	}{
		{"missing path", record.Record{}, capability.ErrorConfig},
		{"bad delimiter", record.Record{"path": record.String("x.csv"), "delimiter": record.String(";;")}, capability.ErrorConfig},
		{"missing file", record.Record{"path": record.String(filepath.Join(t.TempDir(), "nope.csv"))}, capability.ErrorConnect},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := New().Connect(context.Background(), tc.cfg)
			kind, ok := capability.KindOf(err)
			require.True(t, ok, "%v", err)
			assert.Equal(t, tc.kind, kind)
		})
	}
}

func TestCSVSourceEmptyFileYieldsNothing(t *testing.T) {
	t.Parallel()

	src := connect(t, record.Record{"path": record.String(writeCSV(t, ""))})
	stream, err := src.Read(context.Background())
	require.NoError(t, err)
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestCSVSourceSchemaListsColumns(t *testing.T) {
	t.Parallel()

	src := connect(t, record.Record{"path": record.String(writeCSV(t, "id,id,name\n"))})
	doc, err := src.Schema(context.Background())
	require.NoError(t, err)

	props, ok := doc["properties"].AsMap()
	require.True(t, ok)
	assert.ElementsMatch(t, []string{LineField, "id", "name"}, props.Keys())

	required, _ := doc["required"].AsList()
	assert.Len(t, required, 3)
}

func TestCSVSourceDecodesLegacyEncodings(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		encoding string
		content  []byte
	}{
		{"latin-1", "latin-1", []byte("name\ncaf\xe9\n")},
		{"windows-1252", "windows-1252", []byte("name\ncaf\xe9\n")},
		{"utf-16le with bom", "utf-16le", []byte{0xff, 0xfe, 'n', 0, 'a', 0, 'm', 0, 'e', 0, '\n', 0, 'c', 0, 'a', 0, 'f', 0, 0xe9, 0, '\n', 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "legacy.csv")
			require.NoError(t, os.WriteFile(path, tc.content, 0o644))

			src := connect(t, record.Record{"path": record.String(path), "encoding": record.String(tc.encoding)})
			ctx := context.Background()
			stream, err := src.Read(ctx)
			require.NoError(t, err)

			rec, err := stream.Next(ctx)
			require.NoError(t, err)
			name, _ := rec.GetString("name")
			assert.Equal(t, "café", name)
		})
	}
}

func TestCSVSourceUnknownEncodingIsConfigError(t *testing.T) {
	t.Parallel()

	err := New().Connect(context.Background(), record.Record{
		"path":     record.String(writeCSV(t, "a\n1\n")),
		"encoding": record.String("ebcdic"),
	})
	require.ErrorIs(t, err, capability.ErrConfig)
}
