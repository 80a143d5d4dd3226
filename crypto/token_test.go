package crypto

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssueAndValidate(t *testing.T) {
	clock := NewMockTimeProvider(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ta, err := NewTokenAuthority(5*time.Minute, clock)
	require.NoError(t, err)

	ep := netip.MustParseAddrPort("192.0.2.10:6881")
	other := netip.MustParseAddrPort("192.0.2.11:6881")

	token := ta.Issue(ep)
	assert.Len(t, token, TokenSize)
	assert.True(t, ta.Validate(token, ep))
	assert.False(t, ta.Validate(token, other), "token must be bound to the requester")
	assert.False(t, ta.Validate(token[:4], ep), "truncated token must be rejected")
	assert.False(t, ta.Validate(nil, ep))
}

func TestTokenSurvivesOneRotation(t *testing.T) {
	clock := NewMockTimeProvider(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ta, err := NewTokenAuthority(5*time.Minute, clock)
	require.NoError(t, err)

	ep := netip.MustParseAddrPort("[2001:db8::1]:51413")
	token := ta.Issue(ep)

	clock.Advance(4 * time.Minute)
	rotated, err := ta.MaybeRotate()
	require.NoError(t, err)
	assert.False(t, rotated, "rotation must wait for the interval")
	assert.True(t, ta.Validate(token, ep))

	clock.Advance(time.Minute)
	rotated, err = ta.MaybeRotate()
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.True(t, ta.Validate(token, ep), "token must remain valid for the following window")

	require.NoError(t, ta.Rotate())
	assert.False(t, ta.Validate(token, ep), "token must expire after two rotations")
	assert.Equal(t, uint64(2), ta.Generation())
}

func TestTokenMappedAddressesMatch(t *testing.T) {
	ta, err := NewTokenAuthority(time.Minute, nil)
	require.NoError(t, err)

	v4 := netip.MustParseAddrPort("198.51.100.7:1000")
	mapped := netip.AddrPortFrom(netip.AddrFrom16(v4.Addr().As16()), 1000)
	assert.True(t, ta.Validate(ta.Issue(v4), mapped))
}
