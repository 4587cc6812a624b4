package tlv

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderForms(t *testing.T) {
	assert.Equal(t, []byte{'3', 'a', 'b', 'c'}, Record('x', []byte("abc")))
	assert.Equal(t, []byte{'x', 3, 'a', 'b', 'c'}, Record('X', []byte("abc")))

	long := bytes.Repeat([]byte{7}, 300)
	rec := Record('S', long)
	lit, hdr, body := ProbeHeader(rec)
	assert.Equal(t, byte('S'), lit)
	assert.Equal(t, 5, hdr)
	assert.Equal(t, 300, body)
}

func TestTakeSequence(t *testing.T) {
	var buf []byte
	buf = AppendString(buf, 'N', "session-a")
	buf = AppendUint(buf, 'C', 42)
	buf = AppendOptional(buf, 'O', nil, false)
	buf = AppendOptional(buf, 'P', []byte("{}"), true)

	name, rest, err := TakeString('N', buf)
	require.NoError(t, err)
	assert.Equal(t, "session-a", name)
	n, rest, err := TakeUint('C', rest)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
	_, present, rest, err := TakeOptional('O', rest)
	require.NoError(t, err)
	assert.False(t, present)
	body, present, rest, err := TakeOptional('P', rest)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, []byte("{}"), body)
	assert.Empty(t, rest)
}

func TestTakeWaryErrors(t *testing.T) {
	rec := Record('A', []byte("0123456789abc"))
	_, _, err := TakeWary('A', rec[:len(rec)-1])
	assert.ErrorIs(t, err, ErrIncomplete)
	_, _, err = TakeWary('B', rec)
	assert.ErrorIs(t, err, ErrBadRecord)
	_, _, err = TakeWary('A', []byte{0x01})
	assert.ErrorIs(t, err, ErrBadRecord)
}
