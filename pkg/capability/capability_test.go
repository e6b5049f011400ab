package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

func TestImplementationHoldsExactlyOne(t *testing.T) {
	t.Parallel()

	fn := EnrichmentFunc(func(ctx context.Context, rec, cfg record.Record) (record.Record, error) {
		return rec, nil
	})

	impl := FromEnrichment(fn)
	assert.Equal(t, KindEnrichmentFunction, impl.Kind())
	require.NoError(t, impl.Expect(KindEnrichmentFunction))
	require.Error(t, impl.Expect(KindSourceConnector))

	_, ok := impl.Source()
	assert.False(t, ok)

	var empty Implementation
	assert.Equal(t, Kind(""), empty.Kind())
	require.Error(t, empty.Expect(KindEnrichmentFunction))
}

func TestSliceStreamStopsAtEOF(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stream := NewSliceStream(record.Record{"n": record.Number(1)})

	rec, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, rec, 1)

	for i := 0; i < 3; i++ {
		_, err = stream.Next(ctx)
		require.ErrorIs(t, err, io.EOF)
	}
}

func TestErrorKindMatching(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrapped: %w", DataError("bad row %d", 3))

	assert.True(t, errors.Is(err, ErrData))
	assert.False(t, errors.Is(err, ErrFatal))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrorData, kind)
	assert.Contains(t, err.Error(), "bad row 3")

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}
