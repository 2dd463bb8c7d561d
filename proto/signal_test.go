package proto

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		s    Signal
	}{
		{"request", Signal{Flags: SignalRequest, Endpoint: netip.MustParseAddrPort("203.0.113.5:4500")}},
		{"response", Signal{Flags: SignalResponse, Endpoint: netip.MustParseAddrPort("198.51.100.9:1")}},
		{"zero port", Signal{Flags: SignalRequest, Endpoint: netip.MustParseAddrPort("0.0.0.0:0")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := EncodeSignal(tc.s)
			require.NoError(t, err)
			require.Len(t, buf, SignalLen)

			got, err := DecodeSignal(buf)
			require.NoError(t, err)
			assert.Equal(t, tc.s, got)
		})
	}
}

func TestEncodeSignalRejectsBadFlags(t *testing.T) {
	ep := netip.MustParseAddrPort("203.0.113.5:4500")
	_, err := EncodeSignal(Signal{Flags: 0, Endpoint: ep})
	assert.ErrorIs(t, err, ErrSignalMalformed)

	_, err = EncodeSignal(Signal{Flags: SignalRequest | SignalResponse, Endpoint: ep})
	assert.ErrorIs(t, err, ErrSignalMalformed)
}

func TestEncodeSignalRejectsIPv6(t *testing.T) {
	_, err := EncodeSignal(Signal{
		Flags:    SignalRequest,
		Endpoint: netip.MustParseAddrPort("[2001:db8::1]:4500"),
	})
	assert.ErrorIs(t, err, ErrSignalMalformed)
}

func TestDecodeSignalRejectsShortBuffer(t *testing.T) {
	_, err := DecodeSignal(make([]byte, SignalLen-1))
	assert.ErrorIs(t, err, ErrSignalTooShort)
}

func TestDecodeSignalRejectsBadMagic(t *testing.T) {
	buf, err := EncodeSignal(Signal{Flags: SignalRequest, Endpoint: netip.MustParseAddrPort("203.0.113.5:4500")})
	require.NoError(t, err)
	buf[0] ^= 0xff

	_, err = DecodeSignal(buf)
	assert.ErrorIs(t, err, ErrSignalBadMagic)
}

func TestDecodeSignalRejectsNonZeroReserved(t *testing.T) {
	buf, err := EncodeSignal(Signal{Flags: SignalRequest, Endpoint: netip.MustParseAddrPort("203.0.113.5:4500")})
	require.NoError(t, err)
	buf[2] = 1

	_, err = DecodeSignal(buf)
	assert.ErrorIs(t, err, ErrSignalMalformed)
}

func TestDecodeSignalRejectsBadFlagsByte(t *testing.T) {
	buf, err := EncodeSignal(Signal{Flags: SignalRequest, Endpoint: netip.MustParseAddrPort("203.0.113.5:4500")})
	require.NoError(t, err)
	buf[3] = byte(SignalRequest | SignalResponse)

	_, err = DecodeSignal(buf)
	assert.ErrorIs(t, err, ErrSignalMalformed)
}

func TestDecodeSignalRejectsBadFamily(t *testing.T) {
	buf, err := EncodeSignal(Signal{Flags: SignalRequest, Endpoint: netip.MustParseAddrPort("203.0.113.5:4500")})
	require.NoError(t, err)
	buf[4], buf[5] = 0, 2

	_, err = DecodeSignal(buf)
	assert.ErrorIs(t, err, ErrSignalMalformed)
}
