package patchbay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeCString(t *testing.T) {
	s, err := decodeCString([]byte("hello\x00"))
	assert.NoError(t, err)
	assert.Equal(t, "hello", s)

	// Bytes past the terminator are ignored.
	s, err = decodeCString([]byte("hello\x00garbage"))
	assert.NoError(t, err)
	assert.Equal(t, "hello", s)

	// A slice without a terminator is taken whole.
	s, err = decodeCString([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, "hello", s)

	_, err = decodeCString([]byte{0xff, 0xfe, 0x00})
	assert.True(t, errors.Is(err, ErrNotValidText))
}

func TestToCString(t *testing.T) {
	assert.Equal(t, []byte("abc\x00"), toCString("abc"))
	assert.Equal(t, []byte{0}, toCString(""))
}

func TestControlValues(t *testing.T) {
	assert.Equal(t, int32(0), Continue.toNative())
	assert.NotEqual(t, int32(0), Quit.toNative())
	assert.Equal(t, "Continue", Continue.String())
	assert.Equal(t, "Quit", Quit.String())
}

func TestPortFlagsString(t *testing.T) {
	assert.True(t, (IsInput | CanMonitor).Has(IsInput))
	assert.False(t, IsInput.Has(IsOutput))
	assert.Contains(t, (IsInput | CanMonitor).String(), "IsInput")
	assert.Contains(t, (IsInput | CanMonitor).String(), "CanMonitor")
}
