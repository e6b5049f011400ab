// Package diff shows what an enrichment function did to a record.
package diff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

const (
	maxDiffLines    = 10000
	truncateMessage = "... (diff truncated, exceeds 10,000 lines) ..."
)

// ChangeKind classifies a top-level field change.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
	Changed ChangeKind = "changed"
)

// Change is one top-level field that differs between two records.
type Change struct {
	Field  string
	Kind   ChangeKind
	Before record.Value
	After  record.Value
}

func (c Change) String() string {
	switch c.Kind {
	case Added:
		return fmt.Sprintf("+ %s = %s", c.Field, c.After)
	case Removed:
		return fmt.Sprintf("- %s = %s", c.Field, c.Before)
	default:
		return fmt.Sprintf("~ %s: %s -> %s", c.Field, c.Before, c.After)
	}
}

// Changes lists the top-level fields that differ, sorted by name.
func Changes(before, after record.Record) []Change {
	var out []Change
	for key, b := range before {
		a, ok := after[key]
		switch {
		case !ok:
			out = append(out, Change{Field: key, Kind: Removed, Before: b})
		case !a.Equal(b):
			out = append(out, Change{Field: key, Kind: Changed, Before: b, After: a})
		}
	}
	for key, a := range after {
		if _, ok := before[key]; !ok {
			out = append(out, Change{Field: key, Kind: Added, After: a})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// Records renders both records as indented JSON with sorted keys and returns
// their unified diff. Equal records give an empty string.
func Records(before, after record.Record, beforeLabel, afterLabel string) (string, error) {
	if before.Equal(after) {
		return "", nil
	}
	b, err := render(before)
	if err != nil {
		return "", err
	}
	a, err := render(after)
	if err != nil {
		return "", err
	}
	return Unified(b, a, beforeLabel, afterLabel), nil
}

func render(rec record.Record) ([]byte, error) {
	if rec == nil {
		rec = record.Record{}
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render record: %w", err)
	}
	return append(data, '\n'), nil
}

// Unified returns a line-based unified diff of expected and actual, or an
// empty string when they are identical. Output beyond 10,000 lines is
// truncated with a marker.
func Unified(expected, actual []byte, expectedLabel, actualLabel string) string {
	if bytes.Equal(expected, actual) {
		return ""
	}

	dmp := diffmatchpatch.New()
	expChars, actChars, lines := dmp.DiffLinesToChars(string(expected), string(actual))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(expChars, actChars, false), lines)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "--- %s\n", expectedLabel)
	fmt.Fprintf(&buf, "+++ %s\n", actualLabel)
	fmt.Fprintf(&buf, "@@ -1,%d +1,%d @@\n", countLines(expected), countLines(actual))

	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range splitLines(d.Text) {
			buf.WriteString(prefix)
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}

	result := buf.String()
	out := strings.Split(result, "\n")
	if len(out) > maxDiffLines {
		return strings.Join(out[:maxDiffLines], "\n") + "\n" + truncateMessage + "\n"
	}
	return result
}

func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func countLines(data []byte) int {
	return len(splitLines(string(data)))
}
