package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseIP(t *testing.T, s string) net.IP {
	ip := net.ParseIP(s)
	require.NotNil(t, ip, "bad test address %q", s)
	return ip
}

func TestCheckRelayAddr(t *testing.T) {
	tests := []struct {
		sender string
		addr   string
		want   error
	}{
		// Martians are never believable.
		{"127.0.0.1", "192.0.2.9", ErrMartian},
		{"192.168.2.2", "192.0.2.9", ErrMartian},
		{"23.55.1.242", "192.0.2.9", ErrMartian},
		{"127.0.0.1", "2001:db8:85a3:8d3:1319:8a2e:370:7348", ErrMartian},

		// Loopback only from a loopback sender.
		{"192.168.2.2", "127.0.2.19", ErrLoopback},
		{"23.55.1.242", "192.168.2.6", ErrLAN},
		{"127.0.0.1", "127.0.2.19", nil},
		{"127.0.0.1", "192.168.2.6", nil},
		{"127.0.0.1", "23.55.1.242", nil},

		// LAN only from a LAN sender.
		{"192.168.2.2", "192.168.2.6", nil},
		{"192.168.2.2", "23.55.1.242", nil},
		{"23.55.1.242", "23.55.1.242", nil},
	}
	for _, tt := range tests {
		got := CheckRelayAddr(parseIP(t, tt.sender), parseIP(t, tt.addr))
		assert.Equal(t, tt.want, got, "sender %s, addr %s", tt.sender, tt.addr)
	}
}

func TestIsBogon(t *testing.T) {
	for _, s := range []string{"0.0.0.0", "::", "224.0.0.22", "198.18.0.1", "2001:db8::1"} {
		assert.True(t, IsBogon(parseIP(t, s)), "%s should be a bogon", s)
	}
	for _, s := range []string{"8.8.8.8", "23.55.1.242", "2600:1700::1"} {
		assert.False(t, IsBogon(parseIP(t, s)), "%s should be routable", s)
	}
	assert.True(t, IsBogon(net.IP{1, 2, 3}), "truncated addresses are bogons")
}

func TestIsLAN(t *testing.T) {
	for _, s := range []string{"127.0.0.1", "10.0.1.1", "172.16.4.2", "192.168.0.9", "fe80::1", "fc00::2"} {
		assert.True(t, IsLAN(parseIP(t, s)), "%s is LAN", s)
	}
	for _, s := range []string{"8.8.8.8", "2600:1700::1"} {
		assert.False(t, IsLAN(parseIP(t, s)), "%s is not LAN", s)
	}
}

func TestSubnetLimiter(t *testing.T) {
	s := SubnetLimiter{Subnet: 24, Limit: 2}

	require.True(t, s.Add(parseIP(t, "203.0.113.1")))
	require.True(t, s.Add(parseIP(t, "203.0.113.2")))
	assert.False(t, s.Add(parseIP(t, "203.0.113.3")), "third /24 member must be refused")
	assert.True(t, s.Add(parseIP(t, "198.51.100.1")), "a different /24 is unaffected")
	assert.Equal(t, uint(3), s.Count())

	s.Remove(parseIP(t, "203.0.113.1"))
	assert.True(t, s.Add(parseIP(t, "203.0.113.3")), "removal frees a slot")

	assert.True(t, s.Contains(parseIP(t, "203.0.113.77")), "subnet membership, not exact address")
	assert.False(t, s.Contains(parseIP(t, "192.0.2.1")))
}

func TestSubnetLimiterKeysAreFamilyDistinct(t *testing.T) {
	s := SubnetLimiter{Subnet: 32, Limit: 1}
	require.True(t, s.Add(parseIP(t, "203.0.113.1")))
	assert.True(t, s.Add(net.ParseIP("::cb00:7101")), "an IPv6 address sharing bytes with an IPv4 one is a separate subnet")
}

func TestSubnetLimiterString(t *testing.T) {
	s := SubnetLimiter{Subnet: 24, Limit: 8}
	s.Add(parseIP(t, "203.0.113.1"))
	s.Add(parseIP(t, "203.0.113.9"))
	assert.Equal(t, "{203.0.113.0×2}", s.String())
}
