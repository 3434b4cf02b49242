package tcptransport

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, protocol FramingProtocol, delim []byte, payload []byte) []byte {
	t.Helper()
	f := newFramer(protocol, delim, 0, CompressionConfig{})
	var buf bytes.Buffer
	require.NoError(t, f.writeFrame(&buf, payload))

	got, err := f.readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	return got
}

func TestLengthPrefixedRoundTrip(t *testing.T) {
	got := roundTrip(t, LengthPrefixed, nil, []byte("hello world"))
	assert.Equal(t, "hello world", string(got))
}

func TestNewlineDelimitedRoundTrip(t *testing.T) {
	got := roundTrip(t, NewlineDelimited, nil, []byte(`{"a":1}`))
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestCrlfDelimitedRoundTrip(t *testing.T) {
	got := roundTrip(t, CrlfDelimited, nil, []byte("payload"))
	assert.Equal(t, "payload", string(got))
}

func TestCustomDelimiterRoundTrip(t *testing.T) {
	got := roundTrip(t, CustomDelimiter, []byte("|||"), []byte("custom-payload"))
	assert.Equal(t, "custom-payload", string(got))
}

func TestLengthPrefixedRejectsOversizedFrame(t *testing.T) {
	f := newFramer(LengthPrefixed, nil, 4, CompressionConfig{})
	var buf bytes.Buffer
	err := f.writeFrame(&buf, []byte("this is too long"))
	assert.Error(t, err)
}

func TestCompressionRoundTripAboveMinSize(t *testing.T) {
	f := newFramer(LengthPrefixed, nil, 0, CompressionConfig{Enabled: true, MinSize: 16})
	payload := bytes.Repeat([]byte("compress-me "), 100)

	var buf bytes.Buffer
	require.NoError(t, f.writeFrame(&buf, payload))
	assert.Less(t, buf.Len(), len(payload), "compressed frame should be smaller than the original payload")

	got, err := f.readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCompressionLeavesSmallFramesStored(t *testing.T) {
	f := newFramer(LengthPrefixed, nil, 0, CompressionConfig{Enabled: true, MinSize: 1024})
	payload := []byte("tiny")

	var buf bytes.Buffer
	require.NoError(t, f.writeFrame(&buf, payload))

	got, err := f.readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestMultipleFramesInSequence(t *testing.T) {
	f := newFramer(NewlineDelimited, nil, 0, CompressionConfig{})
	var buf bytes.Buffer
	require.NoError(t, f.writeFrame(&buf, []byte("first")))
	require.NoError(t, f.writeFrame(&buf, []byte("second")))

	reader := bufio.NewReader(&buf)
	first, err := f.readFrame(reader)
	require.NoError(t, err)
	second, err := f.readFrame(reader)
	require.NoError(t, err)

	assert.Equal(t, "first", string(first))
	assert.Equal(t, "second", string(second))
}
