package stunclient

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atp-go/atp/atpconfig"
	"github.com/atp-go/atp/atplog"
	"github.com/atp-go/atp/netio"
)

// fakeSTUNSocket is a netio.Socket double that captures every outbound
// Binding Request instead of touching a real kernel socket, so tests can
// script server responses deterministically.
type fakeSTUNSocket struct {
	sent chan sentDatagram
}

type sentDatagram struct {
	raw []byte
	dst netip.AddrPort
}

func newFakeSTUNSocket() *fakeSTUNSocket {
	return &fakeSTUNSocket{sent: make(chan sentDatagram, 16)}
}

func (s *fakeSTUNSocket) LocalAddr() netip.AddrPort { return netip.MustParseAddrPort("127.0.0.1:1") }

func (s *fakeSTUNSocket) ReadFrom([]byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, netio.ErrWouldBlock
}

func (s *fakeSTUNSocket) WriteTo(buf []byte, dst netip.AddrPort) (int, error) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.sent <- sentDatagram{raw: cp, dst: dst}
	return len(buf), nil
}

func (s *fakeSTUNSocket) FD() (uintptr, error) { return 0, netio.ErrWouldBlock }

func (s *fakeSTUNSocket) Close() error { return nil }

func testConfig() *atpconfig.Config {
	return atpconfig.New(atpconfig.WithStunBackoff(20*time.Millisecond, 3, 2))
}

func decodeSentTransactionID(t *testing.T, raw []byte) TransactionID {
	t.Helper()
	msg := &stun.Message{Raw: append([]byte(nil), raw...)}
	require.NoError(t, msg.Decode())
	return msg.TransactionID
}

func buildSuccessResponse(t *testing.T, id TransactionID, ip net.IP, port int) []byte {
	t.Helper()
	m := new(stun.Message)
	m.TransactionID = id
	m.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassSuccessResponse}
	xorAddr := &stun.XORMappedAddress{IP: ip, Port: port}
	require.NoError(t, xorAddr.AddTo(m))
	m.Encode()
	return m.Raw
}

// respondOnce waits for one outbound Binding Request to srv and feeds a
// Success Response carrying (ip, port) back into the client.
func respondOnce(t *testing.T, c *Client, sock *fakeSTUNSocket, srv netip.AddrPort, ip net.IP, port int) {
	t.Helper()
	for {
		select {
		case sent := <-sock.sent:
			if sent.dst != srv {
				continue
			}
			id := decodeSentTransactionID(t, sent.raw)
			raw := buildSuccessResponse(t, id, ip, port)
			c.HandleDatagram(srv, raw)
			return
		case <-time.After(2 * time.Second):
			t.Fatalf("no binding request observed for %s", srv)
		}
	}
}

func TestQueryAllServersHappyPathBecomesIndependent(t *testing.T) {
	sock := newFakeSTUNSocket()
	cfg := testConfig()
	c := New(atplog.NoOp(), cfg, sock, []string{"127.0.0.1:3478", "127.0.0.2:3478"})

	srv1 := netip.MustParseAddrPort("127.0.0.1:3478")
	srv2 := netip.MustParseAddrPort("127.0.0.2:3478")
	reflexiveIP := net.ParseIP("203.0.113.5")

	done := make(chan error, 1)
	go func() {
		done <- c.QueryAllServers(context.Background())
	}()

	respondOnce(t, c, sock, srv1, reflexiveIP, 40000)
	respondOnce(t, c, sock, srv2, reflexiveIP, 40000)

	require.NoError(t, <-done)

	ep, ok := c.GetReflexiveAddress()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.5:40000"), ep)
	assert.Equal(t, VerdictIndependent, c.GetNatType())
}

func TestQueryAllServersMismatchBecomesDependent(t *testing.T) {
	sock := newFakeSTUNSocket()
	cfg := testConfig()
	c := New(atplog.NoOp(), cfg, sock, []string{"127.0.0.1:3478", "127.0.0.2:3478"})

	srv1 := netip.MustParseAddrPort("127.0.0.1:3478")
	srv2 := netip.MustParseAddrPort("127.0.0.2:3478")
	reflexiveIP := net.ParseIP("203.0.113.5")

	done := make(chan error, 1)
	go func() {
		done <- c.QueryAllServers(context.Background())
	}()

	respondOnce(t, c, sock, srv1, reflexiveIP, 40000)
	respondOnce(t, c, sock, srv2, reflexiveIP, 40001)

	require.NoError(t, <-done)

	_, ok := c.GetReflexiveAddress()
	assert.False(t, ok)
	assert.Equal(t, VerdictDependent, c.GetNatType())

	// A subsequent query must fail without sending anything.
	err := c.QueryAllServers(context.Background())
	assert.ErrorIs(t, err, ErrQueryFailed)
	select {
	case <-sock.sent:
		t.Fatal("query after Dependent verdict must not send")
	default:
	}
}

func TestQueryAllServersFailsWhenNoServerResponds(t *testing.T) {
	sock := newFakeSTUNSocket()
	cfg := atpconfig.New(atpconfig.WithStunBackoff(5*time.Millisecond, 1, 1))
	c := New(atplog.NoOp(), cfg, sock, []string{"127.0.0.1:3478"})

	err := c.QueryAllServers(context.Background())
	assert.ErrorIs(t, err, ErrQueryFailed)
}

func TestHandleDatagramRejectsUnknownTransaction(t *testing.T) {
	sock := newFakeSTUNSocket()
	c := New(atplog.NoOp(), testConfig(), sock, nil)

	var bogusID TransactionID
	raw := buildSuccessResponse(t, bogusID, net.ParseIP("203.0.113.9"), 1234)

	consumed := c.HandleDatagram(netip.MustParseAddrPort("127.0.0.1:3478"), raw)
	assert.True(t, consumed, "well-formed STUN traffic is always consumed")

	_, ok := c.GetReflexiveAddress()
	assert.False(t, ok, "an unknown transaction must not update state")
}

func TestHandleDatagramIgnoresNonSTUNPayload(t *testing.T) {
	c := New(atplog.NoOp(), testConfig(), newFakeSTUNSocket(), nil)
	assert.False(t, c.HandleDatagram(netip.MustParseAddrPort("127.0.0.1:1"), []byte("not stun")))
}

func TestNatKeepAliveSendAndReceive(t *testing.T) {
	sock := newFakeSTUNSocket()
	c := New(atplog.NoOp(), testConfig(), sock, []string{"127.0.0.1:3478"})

	require.NoError(t, c.NatKeepAliveSend())
	sent := <-sock.sent
	id := decodeSentTransactionID(t, sent.raw)

	raw := buildSuccessResponse(t, id, net.ParseIP("203.0.113.5"), 40000)
	assert.True(t, c.NatKeepAliveReceive(raw))

	ep, ok := c.GetReflexiveAddress()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.5:40000"), ep)
}

func TestPurgeExpiredDropsStaleTransactions(t *testing.T) {
	sock := newFakeSTUNSocket()
	cfg := atpconfig.New(atpconfig.WithStunBackoff(time.Millisecond, 0, 0))
	c := New(atplog.NoOp(), cfg, sock, nil)

	require.NoError(t, c.send(netip.MustParseAddrPort("127.0.0.1:3478")))
	require.Len(t, c.txns, 1)

	time.Sleep(10 * time.Millisecond)
	c.purgeExpired(time.Now())

	assert.Empty(t, c.txns)
	assert.Empty(t, c.byID)
}
