package netio

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	return netip.MustParseAddrPort(s)
}

func TestFakeFactorySendRecv(t *testing.T) {
	f := NewFakeFactory()

	a, err := f.NewUDPSocket(mustParseAddrPort(t, "127.0.0.1:5000"))
	require.NoError(t, err)
	defer a.Close()

	b, err := f.NewUDPSocket(mustParseAddrPort(t, "127.0.0.1:5001"))
	require.NoError(t, err)
	defer b.Close()

	_, err = a.WriteTo([]byte("hello"), mustParseAddrPort(t, "127.0.0.1:5001"))
	require.NoError(t, err)

	bFake := b.(*fakeSocket)
	select {
	case <-bFake.NotifyChan():
	case <-time.After(time.Second):
		t.Fatal("notification never arrived")
	}

	buf := make([]byte, 64)
	n, src, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, mustParseAddrPort(t, "127.0.0.1:5000"), src)
}

func TestFakeFactoryReadFromWouldBlock(t *testing.T) {
	f := NewFakeFactory()
	a, err := f.NewUDPSocket(mustParseAddrPort(t, "127.0.0.1:5010"))
	require.NoError(t, err)
	defer a.Close()

	_, _, err = a.ReadFrom(make([]byte, 16))
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestFakeFactoryRejectsDuplicateBind(t *testing.T) {
	f := NewFakeFactory()
	addr := mustParseAddrPort(t, "127.0.0.1:5020")

	a, err := f.NewUDPSocket(addr)
	require.NoError(t, err)
	defer a.Close()

	_, err = f.NewUDPSocket(addr)
	assert.ErrorIs(t, err, ErrAddrInUse)
}

func TestFakeFactoryWriteToUnknownDropsSilently(t *testing.T) {
	f := NewFakeFactory()
	a, err := f.NewUDPSocket(mustParseAddrPort(t, "127.0.0.1:5030"))
	require.NoError(t, err)
	defer a.Close()

	n, err := a.WriteTo([]byte("x"), mustParseAddrPort(t, "127.0.0.1:9999"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
