package chunkerplugin

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

func TestParagraphs(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 40)
	cases := []struct {
		name   string
		text   string
		target int
		want   []string
	}{
		{"blank", "  \n\n ", 100, nil},
		{"groups small paragraphs", "alpha\n\nbeta\n\ngamma", 100, []string{"alpha\n\nbeta\n\ngamma"}},
		{"splits at target", "aaaa\n\nbbbb\n\ncccc", 10, []string{"aaaa", "bbbb", "cccc"}},
		{"groups under target", "aaaa\n\nbbbb\n\ncccc", 11, []string{"aaaa\n\nbbbb", "cccc"}},
		{"falls back to lines", "one\ntwo\nthree", 6, []string{"one", "two", "three"}},
		{"cuts long paragraph", long, 20, []string{long[:20], long[20:]}},
		{"keeps moderately long paragraph", strings.Repeat("y", 25), 20, []string{strings.Repeat("y", 25)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Paragraphs(tc.text, tc.target))
		})
	}
}

func TestFixed(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Fixed("", 10, 2))
	assert.Equal(t, []string{"short"}, Fixed(" short ", 10, 2))
	assert.Equal(t, []string{"abcd", "cdef", "efgh"}, Fixed("abcdefgh", 4, 2))
	assert.Equal(t, []string{"abc", "def", "gh"}, Fixed("abcdefgh", 3, 0))
	assert.Equal(t, []string{"héll", "llo!"}, Fixed("héllo!", 4, 2))
}

// Paragraph chunking keeps every word and, except for cut paragraphs, never
// exceeds the target.
func TestParagraphsPreservesWords(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		words := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,8}`), 1, 60).Draw(t, "words")
		target := rapid.IntRange(10, 80).Draw(t, "target")

		var b strings.Builder
		for i, w := range words {
			if i > 0 {
				b.WriteString(rapid.SampledFrom([]string{" ", "\n", "\n\n"}).Draw(t, "sep"))
			}
			b.WriteString(w)
		}

		chunks := Paragraphs(b.String(), target)
		joined := strings.Fields(strings.Join(chunks, " "))
		if strings.Join(joined, "") != strings.Join(words, "") {
			t.Fatalf("chunks %q lost text from %q", chunks, b.String())
		}
		for _, c := range chunks {
			if n := utf8.RuneCountInString(c); 2*n > 3*target {
				t.Fatalf("chunk of %d runes exceeds 1.5x target %d", n, target)
			}
		}
	})
}

func TestProcessProducesOrderedChunks(t *testing.T) {
	t.Parallel()

	fn := New()
	in := record.Record{"id": record.String("doc-1"), "body": record.String("first\n\nsecond")}
	out, err := fn.Process(context.Background(), in, record.Record{
		"field":      record.String("body"),
		"chunk_size": record.Number(8),
	})
	require.NoError(t, err)

	count, _ := out.GetInt("chunk_count")
	assert.Equal(t, 2, count)

	chunks, ok := out["chunks"].AsList()
	require.True(t, ok)
	require.Len(t, chunks, 2)
	for i, c := range chunks {
		m, ok := c.AsMap()
		require.True(t, ok)
		order, _ := m.GetInt("order")
		assert.Equal(t, i, order)
	}
	second, _ := chunks[1].AsMap()
	text, _ := second.GetString("text")
	assert.Equal(t, "second", text)

	id, _ := out.GetString("id")
	assert.Equal(t, "doc-1", id)
	_, hasChunks := in["chunks"]
	assert.False(t, hasChunks, "input is not mutated")
}

func TestProcessErrors(t *testing.T) {
	t.Parallel()

	fn := New()
	ctx := context.Background()

	_, err := fn.Process(ctx, record.Record{"text": record.Number(3)}, nil)
	assert.ErrorIs(t, err, capability.ErrData)

	_, err = fn.Process(ctx, record.Record{"text": record.String("x")}, record.Record{"strategy": record.String("sentences")})
	assert.ErrorIs(t, err, capability.ErrConfig)

	initializer, ok := fn.(capability.Initializer)
	require.True(t, ok)
	assert.NoError(t, initializer.Init(ctx, record.Record{"strategy": record.String("fixed"), "overlap": record.Number(50)}))
	assert.ErrorIs(t, initializer.Init(ctx, record.Record{"chunk_size": record.Number(-1)}), capability.ErrConfig)
}
