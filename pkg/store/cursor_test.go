package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	in := Cursor{S: time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC), I: "01HXSESSION000000000000001"}
	out, err := DecodeCursor(in.Encode())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, in.S.Equal(out.S))
	assert.Equal(t, in.I, out.I)
}

func TestDecodeCursorEmpty(t *testing.T) {
	out, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDecodeCursorInvalid(t *testing.T) {
	for name, encoded := range map[string]string{
		"not base64":     "!!not-base64!!",
		"not json":       "bm90IGpzb24=",
		"missing fields": Cursor{}.Encode(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCursor(encoded)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}
