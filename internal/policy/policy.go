package policy

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// PeerPolicy controls which peer IPs a TURN allocation may be granted
// permissions for.
//
// Policy evaluation order:
//  1. CIDR denylist
//  2. AlwaysAllow
//  3. Default private/special-range denies (when AllowPrivateNetworks=false)
//  4. CIDR allowlist (if configured), otherwise allow
//
// Deny rules always override allow rules.
type PeerPolicy struct {
	// AllowPrivateNetworks toggles the built-in denylist of loopback, private
	// and special-purpose ranges.
	AllowPrivateNetworks bool

	AllowCIDRs []*net.IPNet
	DenyCIDRs  []*net.IPNet

	// AlwaysAllow lists IPs that skip the private-range and allowlist checks.
	// The relay's own public IP belongs here so two clients relaying through
	// the same server can reach each other's relayed addresses.
	AlwaysAllow []net.IP
}

func NewProductionPeerPolicy() *PeerPolicy {
	return &PeerPolicy{AllowPrivateNetworks: false}
}

func NewDevPeerPolicy() *PeerPolicy {
	return &PeerPolicy{AllowPrivateNetworks: true}
}

func (p *PeerPolicy) AllowPeer(peerIP net.IP) error {
	if p == nil {
		return errors.New("peer policy: nil")
	}
	if peerIP == nil {
		return errors.New("peer policy: peer IP is nil")
	}

	// Normalize IP for matching.
	ip := peerIP
	var ipKind string
	if ip4 := peerIP.To4(); ip4 != nil {
		ip = ip4
		ipKind = "ipv4"
	} else if ip16 := peerIP.To16(); ip16 != nil {
		ip = ip16
		ipKind = "ipv6"
	} else {
		return fmt.Errorf("peer policy: invalid peer IP %q", peerIP.String())
	}

	if ipInNets(ip, p.DenyCIDRs) {
		return fmt.Errorf("peer policy: peer %s denied by CIDR rule", peerIP.String())
	}

	for _, allowed := range p.AlwaysAllow {
		if allowed.Equal(ip) {
			return nil
		}
	}

	if !p.AllowPrivateNetworks {
		denied := defaultDeniedIPv4CIDRs
		if ipKind == "ipv6" {
			denied = defaultDeniedIPv6CIDRs
		}
		if ipInNets(ip, denied) {
			return fmt.Errorf("peer policy: peer %s denied (private/special range)", peerIP.String())
		}
	}

	if len(p.AllowCIDRs) > 0 && !ipInNets(ip, p.AllowCIDRs) {
		return fmt.Errorf("peer policy: peer %s not in allowlist", peerIP.String())
	}
	return nil
}

// ParseCIDRList parses a comma-separated CIDR list. Empty entries are skipped.
func ParseCIDRList(v string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, raw := range strings.Split(v, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("parse CIDR %q: %w", raw, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func ipInNets(ip net.IP, nets []*net.IPNet) bool {
	ip4 := ip.To4()
	var ip16 net.IP
	for _, n := range nets {
		if n == nil {
			continue
		}
		if n.IP.To4() != nil {
			if ip4 == nil {
				continue
			}
			if n.Contains(ip4) {
				return true
			}
			continue
		}
		if ip16 == nil {
			ip16 = ip.To16()
		}
		if ip16 == nil {
			continue
		}
		if n.Contains(ip16) {
			return true
		}
	}
	return false
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

var defaultDeniedIPv4CIDRs = []*net.IPNet{
	// loopback
	mustCIDR("127.0.0.0/8"),
	// link-local
	mustCIDR("169.254.0.0/16"),
	// RFC1918 private
	mustCIDR("10.0.0.0/8"),
	mustCIDR("172.16.0.0/12"),
	mustCIDR("192.168.0.0/16"),
	// CGNAT
	mustCIDR("100.64.0.0/10"),
	// multicast
	mustCIDR("224.0.0.0/4"),
	// reserved
	mustCIDR("0.0.0.0/8"),
	mustCIDR("240.0.0.0/4"),
	// broadcast
	mustCIDR("255.255.255.255/32"),
}

var defaultDeniedIPv6CIDRs = []*net.IPNet{
	// loopback
	mustCIDR("::1/128"),
	// link-local
	mustCIDR("fe80::/10"),
	// unique local addresses (RFC4193)
	mustCIDR("fc00::/7"),
	// multicast
	mustCIDR("ff00::/8"),
	// unspecified
	mustCIDR("::/128"),
}
