package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		h       Header
		payload []byte
	}{
		{"zero", Header{}, nil},
		{"data", Header{SeqNum: 1, AckNum: 2, Ctrl: CtrlData | CtrlAck, Window: 4096}, []byte("hello")},
		{"maxpayload", Header{SeqNum: 0xffffffff, AckNum: 0xdeadbeef, Ctrl: CtrlFin, Window: 1}, bytes.Repeat([]byte{0x42}, MaxPayload)},
		{"punch", Header{Ctrl: CtrlPunch}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := Encode(tc.h, tc.payload)
			require.NoError(t, err)
			require.True(t, IsATPDatagram(buf))

			gotH, gotPayload, err := Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, tc.h, gotH)
			if len(tc.payload) == 0 {
				assert.Empty(t, gotPayload)
			} else {
				assert.Equal(t, tc.payload, gotPayload)
			}
		})
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	_, err := Encode(Header{}, bytes.Repeat([]byte{0}, MaxPayload+1))
	require.Error(t, err)
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	for n := 0; n < HeaderLen; n++ {
		_, _, err := Decode(make([]byte, n))
		assert.ErrorIs(t, err, ErrTooShort)
		assert.False(t, IsATPDatagram(make([]byte, n)))
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf, err := Encode(Header{SeqNum: 7}, []byte("x"))
	require.NoError(t, err)
	buf[9] ^= 0xff

	_, _, err = Decode(buf)
	assert.ErrorIs(t, err, ErrBadMagic)
	assert.False(t, IsATPDatagram(buf))
}

func TestCtrlString(t *testing.T) {
	assert.Equal(t, "-", Ctrl(0).String())
	assert.Equal(t, "PUNCH", CtrlPunch.String())
	assert.Equal(t, "PUNCH|THRU", (CtrlPunch | CtrlThru).String())
	assert.Equal(t, "DATA|ACK|FIN", (CtrlData | CtrlAck | CtrlFin).String())
}

func TestCtrlHas(t *testing.T) {
	c := CtrlData | CtrlAck
	assert.True(t, c.Has(CtrlData))
	assert.True(t, c.Has(CtrlAck))
	assert.True(t, c.Has(CtrlData|CtrlAck))
	assert.False(t, c.Has(CtrlFin))
	assert.False(t, c.Has(CtrlData|CtrlFin))
}
