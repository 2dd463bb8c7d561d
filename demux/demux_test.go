package demux

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ep(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

func TestDispatchMatchesSpecificEndpoint(t *testing.T) {
	d := New()
	var got []byte
	var gotSrc netip.AddrPort

	id, err := d.RegisterEndpoint(ep("203.0.113.1:4000"), func(src netip.AddrPort, payload []byte) {
		gotSrc = src
		got = payload
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	ok := d.Dispatch(ep("203.0.113.1:4000"), []byte("hi"))
	assert.True(t, ok)
	assert.Equal(t, "hi", string(got))
	assert.Equal(t, ep("203.0.113.1:4000"), gotSrc)
}

func TestDispatchFallsBackToWildcard(t *testing.T) {
	d := New()
	var hitWildcard bool

	_, err := d.RegisterWildcard(func(src netip.AddrPort, payload []byte) {
		hitWildcard = true
	})
	require.NoError(t, err)

	ok := d.Dispatch(ep("198.51.100.2:9000"), []byte("x"))
	assert.True(t, ok)
	assert.True(t, hitWildcard)
}

func TestDispatchPrefersSpecificOverWildcard(t *testing.T) {
	d := New()
	var hitSpecific, hitWildcard bool

	_, err := d.RegisterEndpoint(ep("203.0.113.1:4000"), func(netip.AddrPort, []byte) { hitSpecific = true })
	require.NoError(t, err)
	_, err = d.RegisterWildcard(func(netip.AddrPort, []byte) { hitWildcard = true })
	require.NoError(t, err)

	d.Dispatch(ep("203.0.113.1:4000"), nil)
	assert.True(t, hitSpecific)
	assert.False(t, hitWildcard)
}

func TestDispatchReturnsFalseWhenUnregistered(t *testing.T) {
	d := New()
	ok := d.Dispatch(ep("203.0.113.1:4000"), nil)
	assert.False(t, ok)
}

func TestRegisterEndpointRejectsDuplicate(t *testing.T) {
	d := New()
	_, err := d.RegisterEndpoint(ep("203.0.113.1:4000"), func(netip.AddrPort, []byte) {})
	require.NoError(t, err)

	_, err = d.RegisterEndpoint(ep("203.0.113.1:4000"), func(netip.AddrPort, []byte) {})
	assert.ErrorIs(t, err, ErrDuplicateEndpoint)
}

func TestRegisterWildcardRejectsSecond(t *testing.T) {
	d := New()
	_, err := d.RegisterWildcard(func(netip.AddrPort, []byte) {})
	require.NoError(t, err)

	_, err = d.RegisterWildcard(func(netip.AddrPort, []byte) {})
	assert.ErrorIs(t, err, ErrWildcardTaken)
}

func TestDeleteEndpointAndWildcard(t *testing.T) {
	d := New()
	id1, err := d.RegisterEndpoint(ep("203.0.113.1:4000"), func(netip.AddrPort, []byte) {})
	require.NoError(t, err)
	id2, err := d.RegisterWildcard(func(netip.AddrPort, []byte) {})
	require.NoError(t, err)

	require.NoError(t, d.Delete(id1))
	assert.True(t, d.Dispatch(ep("203.0.113.1:4000"), nil)) // specific gone, falls to wildcard

	require.NoError(t, d.Delete(id2))
	assert.False(t, d.Dispatch(ep("203.0.113.1:4000"), nil))
}

func TestDeleteUnknownID(t *testing.T) {
	d := New()
	err := d.Delete(CallbackID(999))
	assert.ErrorIs(t, err, ErrUnknownCallback)
}

func TestVersionIncrementsOnMutation(t *testing.T) {
	d := New()
	v0 := d.Version()
	id, err := d.RegisterEndpoint(ep("203.0.113.1:4000"), func(netip.AddrPort, []byte) {})
	require.NoError(t, err)
	assert.Greater(t, d.Version(), v0)

	v1 := d.Version()
	require.NoError(t, d.Delete(id))
	assert.Greater(t, d.Version(), v1)
}
