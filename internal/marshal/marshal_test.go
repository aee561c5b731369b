package marshal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pageID struct {
	Site uint32
	Page uint32
}

func TestRawRoundTrip(t *testing.T) {
	var m Raw[pageID]
	want := pageID{Site: 7, Page: 42}

	enc, err := m.Encode(want)
	require.NoError(t, err)
	assert.Len(t, enc, 8)

	got, err := m.Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRawDecodeTruncated(t *testing.T) {
	var m Raw[pageID]
	_, err := m.Decode([]byte{1, 2, 3})
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*ErrMarshal))
}

func TestStringRoundTrip(t *testing.T) {
	var m String
	enc, err := m.Encode("hello world")
	require.NoError(t, err)

	got, err := m.Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
}

func TestJSONRoundTrip(t *testing.T) {
	type params struct {
		Iteration int    `json:"iteration"`
		Kernel    string `json:"kernel"`
	}
	var m JSON[params]
	want := params{Iteration: 3, Kernel: "PRKernel"}

	enc, err := m.Encode(want)
	require.NoError(t, err)

	got, err := m.Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestJSONDecodeMalformed(t *testing.T) {
	var m JSON[map[string]int]
	_, err := m.Decode([]byte(`{"a":`))
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*ErrMarshal))
}
