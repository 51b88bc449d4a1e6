package protocol_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-reactor/api"
	"github.com/momentics/hioload-reactor/protocol"
)

func TestEncodeDecodeFrame(t *testing.T) {
	payload := []byte("hello")
	data, err := protocol.AppendFrame(nil, true, protocol.OpcodeText, payload, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x81, 0x05, 'h', 'e', 'l', 'l', 'o'}, data)

	got, n, err := protocol.DecodeFrame(data, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, len(data), n)
	assert.True(t, got.Fin)
	assert.False(t, got.Masked)
	assert.Equal(t, byte(protocol.OpcodeText), got.Opcode)
	assert.Equal(t, payload, got.Payload)
}

func TestMaskedFrameUsesFreshKey(t *testing.T) {
	payload := bytes.Repeat([]byte("abcd"), 8)
	a, err := protocol.AppendFrame(nil, true, protocol.OpcodeBinary, payload, true)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.MaskBit|len(payload)), a[1])
	assert.NotEqual(t, payload, a[6:], "payload must be masked on the wire")

	keys := map[[4]byte]bool{}
	for i := 0; i < 8; i++ {
		b, err := protocol.AppendFrame(nil, true, protocol.OpcodeBinary, payload, true)
		require.NoError(t, err)
		f, _, err := protocol.DecodeFrame(b, 0)
		require.NoError(t, err)
		assert.True(t, f.Masked)
		assert.Equal(t, payload, f.Payload)
		keys[f.MaskKey] = true
	}
	assert.Greater(t, len(keys), 1)
}

func TestDecodeFrame_IncompleteAtEveryPrefix(t *testing.T) {
	for _, size := range []int{0, 5, 125, 126, 300, 70000} {
		payload := bytes.Repeat([]byte{'x'}, size)
		data, err := protocol.AppendFrame(nil, true, protocol.OpcodeBinary, payload, true)
		require.NoError(t, err)
		for i := 0; i < len(data); i += 1 + len(data)/64 {
			f, n, err := protocol.DecodeFrame(data[:i], 0)
			require.NoError(t, err, "size %d prefix %d", size, i)
			require.Nil(t, f, "size %d prefix %d", size, i)
			require.Zero(t, n)
		}
		f, n, err := protocol.DecodeFrame(append(data, 0x81), 0)
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Equal(t, len(data), n, "trailing bytes are not consumed")
		assert.Len(t, f.Payload, size)
	}
}

func TestDecodeFrame_ExtendedLengths(t *testing.T) {
	mid, err := protocol.AppendFrame(nil, true, protocol.OpcodeBinary, make([]byte, 300), false)
	require.NoError(t, err)
	assert.Equal(t, byte(126), mid[1])
	assert.Len(t, mid, 4+300)

	big, err := protocol.AppendFrame(nil, true, protocol.OpcodeBinary, make([]byte, 70000), false)
	require.NoError(t, err)
	assert.Equal(t, byte(127), big[1])
	assert.Len(t, big, 10+70000)
}

func TestDecodeFrame_Violations(t *testing.T) {
	cases := map[string]struct {
		raw []byte
		max int
		err error
	}{
		"reserved bits":      {raw: []byte{0xC1, 0x00}, err: protocol.ErrReservedBits},
		"unknown opcode":     {raw: []byte{0x83, 0x00}, err: protocol.ErrBadOpcode},
		"fragmented ping":    {raw: []byte{0x09, 0x00}, err: protocol.ErrControlFrame},
		"oversized close":    {raw: []byte{0x88, 126, 0x00, 0x7E}, err: protocol.ErrControlFrame},
		"frame above limit":  {raw: []byte{0x82, 0x0A}, max: 8, err: protocol.ErrFrameTooLarge},
		"64-bit length bomb": {raw: []byte{0x82, 127, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, err: protocol.ErrFrameTooLarge},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := protocol.DecodeFrame(tc.raw, tc.max)
			require.ErrorIs(t, err, tc.err)
			assert.Equal(t, api.KindProtocol, api.KindOf(err))
		})
	}
}

func TestAppendFrame_RejectsLongControl(t *testing.T) {
	_, err := protocol.AppendFrame(nil, true, protocol.OpcodePing, make([]byte, 126), false)
	assert.ErrorIs(t, err, protocol.ErrControlFrame)
}

func TestClosePayload(t *testing.T) {
	p := protocol.ClosePayload(protocol.CloseGoingAway, "bye")
	code, reason, err := protocol.ParseClosePayload(p)
	require.NoError(t, err)
	assert.Equal(t, protocol.CloseGoingAway, code)
	assert.Equal(t, "bye", reason)

	assert.Empty(t, protocol.ClosePayload(protocol.CloseNoStatusRcvd, "ignored"))
	code, _, err = protocol.ParseClosePayload(nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.CloseNoStatusRcvd, code)

	_, _, err = protocol.ParseClosePayload([]byte{0x03})
	assert.ErrorIs(t, err, protocol.ErrBadClosePayload)
	_, _, err = protocol.ParseClosePayload(protocol.ClosePayload(protocol.CloseAbnormalClosure, ""))
	assert.ErrorIs(t, err, protocol.ErrBadClosePayload)
	_, _, err = protocol.ParseClosePayload(protocol.ClosePayload(4000, "app"))
	assert.NoError(t, err)
}
