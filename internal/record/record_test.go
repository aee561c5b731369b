package record

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	pages := []Page{
		{Site: 0, ID: 0, TargetSite: []uint32{0, 1}, TargetID: []uint32{1, 2}},
		{Site: 0, ID: 1, TargetSite: []uint32{0}, TargetID: []uint32{0}},
		{Site: 1, ID: 0, TargetSite: nil, TargetID: nil},
	}
	for _, p := range pages {
		require.NoError(t, w.Write(p))
	}

	r := NewReader(&buf)
	got, err := r.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, pages, got)
}

func TestReadReturnsEOFOnEmptyStream(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	_, err := r.Read()
	assert.ErrorIs(t, err, io.EOF)
}
