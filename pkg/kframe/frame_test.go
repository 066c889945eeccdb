package kframe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello broker")

	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 100)))

	_, err := ReadFrame(&buf, 10)
	require.Error(t, err)

	var tooLarge *ErrTooLarge
	require.ErrorAs(t, err, &tooLarge)
	require.EqualValues(t, 100, tooLarge.Size)
	require.EqualValues(t, 10, tooLarge.Limit)
}

func TestReadFrameRejectsNegativeSize(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrame(buf, 0)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestAppendFrameMatchesWriteFrame(t *testing.T) {
	payload := []byte("abc")

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, payload))

	appended := AppendFrame(nil, payload)
	require.Equal(t, buf.Bytes(), appended)
}
