package filter

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowAllAdmitsEverything(t *testing.T) {
	f := AllowAll()
	assert.True(t, f.Admit(netip.MustParseAddr("203.0.113.7")))
}

func TestAllowListOnlyAdmitsMatches(t *testing.T) {
	f, err := New([]string{"203.0.113.0/24"}, nil)
	require.NoError(t, err)

	assert.True(t, f.Admit(netip.MustParseAddr("203.0.113.7")))
	assert.False(t, f.Admit(netip.MustParseAddr("198.51.100.1")))
}

func TestDenyListRejectsMatches(t *testing.T) {
	f, err := New(nil, []string{"198.51.100.1"})
	require.NoError(t, err)

	assert.False(t, f.Admit(netip.MustParseAddr("198.51.100.1")))
	assert.True(t, f.Admit(netip.MustParseAddr("203.0.113.7")))
}

func TestAllowListTakesPrecedenceOverDeny(t *testing.T) {
	f, err := New([]string{"203.0.113.7"}, []string{"203.0.113.7"})
	require.NoError(t, err)

	assert.True(t, f.Admit(netip.MustParseAddr("203.0.113.7")))
}

func TestUnmapsV4InV6Addresses(t *testing.T) {
	f, err := New([]string{"127.0.0.1"}, nil)
	require.NoError(t, err)

	assert.True(t, f.Admit(netip.MustParseAddr("::ffff:127.0.0.1")))
}
