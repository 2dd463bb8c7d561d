package atp

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atp-go/atp/atpconfig"
	"github.com/atp-go/atp/atperr"
)

// startLoopbackStunServer runs a minimal RFC 5389 Binding Request
// responder on loopback, answering every request with the sender's own
// observed address as the XOR-MAPPED-ADDRESS. It gives Context.Socket a
// real STUN exchange to complete without reaching the public internet.
func startLoopbackStunServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			raw := append([]byte(nil), buf[:n]...)
			if !stun.IsMessage(raw) {
				continue
			}
			msg := &stun.Message{Raw: raw}
			if msg.Decode() != nil {
				continue
			}
			resp := new(stun.Message)
			resp.TransactionID = msg.TransactionID
			resp.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassSuccessResponse}
			xorAddr := &stun.XORMappedAddress{IP: src.IP, Port: src.Port}
			if xorAddr.AddTo(resp) != nil {
				continue
			}
			resp.Encode()
			_, _ = conn.WriteToUDP(resp.Raw, src)
		}
	}()

	return conn.LocalAddr().String()
}

func newTestContext(t *testing.T, stunServer string, opts ...atpconfig.Option) *Context {
	t.Helper()
	base := []atpconfig.Option{
		atpconfig.WithStunServers(stunServer),
		atpconfig.WithPunchInterval(10 * time.Millisecond),
		atpconfig.WithPunchTimeout(2 * time.Second),
		atpconfig.WithNatKeepAliveTimeout(time.Hour),
		atpconfig.WithTimeWaitDuration(50 * time.Millisecond),
	}
	ctx, err := NewContext(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(ctx.Shutdown)
	return ctx
}

func TestSocketRejectsUnsupportedDomainAndProtocol(t *testing.T) {
	stunAddr := startLoopbackStunServer(t)
	ctx := newTestContext(t, stunAddr)

	_, err := ctx.Socket(99, SOCK_STREAM, IPPROTO_ATP)
	assert.Equal(t, atperr.AFNOSUPPORT, atperr.KindOf(err))

	_, err = ctx.Socket(AF_INET, SOCK_STREAM, 99)
	assert.Equal(t, atperr.PROTONOSUPPORT, atperr.KindOf(err))
}

func TestSocketEnforcesMaxSocketCount(t *testing.T) {
	stunAddr := startLoopbackStunServer(t)
	ctx := newTestContext(t, stunAddr, atpconfig.WithMaxSocketCount(1))

	_, err := ctx.Socket(AF_INET, SOCK_STREAM, IPPROTO_ATP)
	require.NoError(t, err)

	_, err = ctx.Socket(AF_INET, SOCK_STREAM, IPPROTO_ATP)
	assert.Equal(t, atperr.MAXSOCKETS, atperr.KindOf(err))
}

func TestBadHandleOperationsFailBADFD(t *testing.T) {
	stunAddr := startLoopbackStunServer(t)
	ctx := newTestContext(t, stunAddr)

	err := ctx.Bind(Handle(999), NewAddr("nobody", "0"))
	assert.Equal(t, atperr.BADFD, atperr.KindOf(err))

	err = ctx.Listen(Handle(999), 1)
	assert.Equal(t, atperr.BADFD, atperr.KindOf(err))

	err = ctx.Connect(Handle(999), NewAddr("nobody", "0"))
	assert.Equal(t, atperr.BADFD, atperr.KindOf(err))
}

func TestEndToEndHandshakeAndDataExchange(t *testing.T) {
	stunAddr := startLoopbackStunServer(t)
	listenerCtx := newTestContext(t, stunAddr)
	connectorCtx := newTestContext(t, stunAddr)

	listenerH, err := listenerCtx.Socket(AF_INET, SOCK_STREAM, IPPROTO_ATP)
	require.NoError(t, err)
	require.NoError(t, listenerCtx.Bind(listenerH, NewAddr("listener", "1")))
	require.NoError(t, listenerCtx.Listen(listenerH, 4))
	listenerAddr, err := listenerCtx.SignalAddr(listenerH)
	require.NoError(t, err)

	connectorH, err := connectorCtx.Socket(AF_INET, SOCK_STREAM, IPPROTO_ATP)
	require.NoError(t, err)
	require.NoError(t, connectorCtx.Bind(connectorH, NewAddr("connector", "1")))

	require.NoError(t, connectorCtx.Connect(connectorH, listenerAddr))

	var childH Handle
	require.Eventually(t, func() bool {
		var aerr error
		childH, _, aerr = listenerCtx.Accept(listenerH)
		return aerr == nil
	}, 3*time.Second, 5*time.Millisecond, "listener never accepted a child connection")

	var connectorConn, childConn net.Conn
	require.Eventually(t, func() bool {
		var aerr error
		connectorConn, aerr = connectorCtx.AppConn(connectorH)
		return aerr == nil
	}, 3*time.Second, 5*time.Millisecond, "connector never reached ESTABLISHED")
	require.Eventually(t, func() bool {
		var aerr error
		childConn, aerr = listenerCtx.AppConn(childH)
		return aerr == nil
	}, 3*time.Second, 5*time.Millisecond, "accepted child never reached ESTABLISHED")

	_, err = connectorConn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_ = childConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = childConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	require.NoError(t, connectorCtx.Close(connectorH))
	require.NoError(t, listenerCtx.Close(childH))
}
