package secret

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveSize(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
	_, err = New(-1)
	require.Error(t, err)
}

func TestRandomFillsBuffer(t *testing.T) {
	a, err := Random(32)
	require.NoError(t, err)
	defer a.Close()
	b, err := Random(32)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 32, a.Len())
	assert.False(t, bytes.Equal(a.Bytes(), make([]byte, 32)), "random buffer is all zero")
	assert.False(t, bytes.Equal(a.Bytes(), b.Bytes()), "two random buffers are equal")
}

func TestNewFromBytesZeroesSource(t *testing.T) {
	source := []byte("super-secret-key-material-000000")
	want := append([]byte(nil), source...)

	buf, err := NewFromBytes(source)
	require.NoError(t, err)
	defer buf.Close()

	assert.Equal(t, want, buf.Bytes())
	assert.Equal(t, make([]byte, len(want)), source)

	_, err = NewFromBytes(nil)
	assert.Error(t, err)
}

func TestCloseZeroesAndIsIdempotent(t *testing.T) {
	buf, err := Random(16)
	require.NoError(t, err)

	require.NoError(t, buf.Close())
	require.NoError(t, buf.Close())
	assert.True(t, buf.Closed())
	assert.Equal(t, 0, buf.Len())

	err = buf.Use(func([]byte) error { return nil })
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Panics(t, func() { buf.Bytes() })
}

func TestUsePassesSecretAndError(t *testing.T) {
	buf, err := NewFromBytes([]byte{1, 2, 3})
	require.NoError(t, err)
	defer buf.Close()

	var seen []byte
	require.NoError(t, buf.Use(func(s []byte) error {
		seen = append(seen, s...)
		return nil
	}))
	assert.Equal(t, []byte{1, 2, 3}, seen)

	sentinel := errors.New("boom")
	assert.Equal(t, sentinel, buf.Use(func([]byte) error { return sentinel }))
}

func TestManyBuffersDoNotExhaustLockLimit(t *testing.T) {
	bufs := make([]*Buffer, 0, 512)
	for range 512 {
		b, err := Random(32)
		require.NoError(t, err)
		bufs = append(bufs, b)
	}
	for _, b := range bufs {
		require.NoError(t, b.Close())
	}
}
