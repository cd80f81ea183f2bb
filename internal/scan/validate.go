package scan

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"go4.org/netipx"
)

type Rejection int

const (
	Accepted Rejection = iota
	RejectEmpty
	RejectMalformedAddress
	RejectMalformedCIDR
	RejectPublicRange
)

type Validation struct {
	IsValid   bool      `json:"is_valid"`
	Reason    string    `json:"reason,omitempty"`
	Rejection Rejection `json:"-"`
}

// privateRanges are the only networks a scan may target.
var privateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
}

var allowedSet = mustBuildAllowed()

func mustBuildAllowed() *netipx.IPSet {
	var b netipx.IPSetBuilder
	for _, cidr := range privateRanges {
		b.AddPrefix(netip.MustParsePrefix(cidr))
	}
	set, err := b.IPSet()
	if err != nil {
		panic(err)
	}
	return set
}

func reject(kind Rejection, format string, args ...any) Validation {
	return Validation{IsValid: false, Reason: fmt.Sprintf(format, args...), Rejection: kind}
}

// ValidateTarget checks that input is a single IPv4 address or IPv4 CIDR
// inside the private/loopback ranges. A CIDR must lie entirely inside one of
// them. Safe to call on every keystroke.
func ValidateTarget(input string) Validation {
	t := strings.TrimSpace(input)
	if t == "" {
		return reject(RejectEmpty, "Target is required")
	}

	if !strings.Contains(t, "/") {
		addr, v := parseIPv4(t)
		if !v.IsValid {
			return v
		}
		if !allowedSet.Contains(addr) {
			return rejectPublic(t)
		}
		return Validation{IsValid: true}
	}

	parts := strings.Split(t, "/")
	if len(parts) != 2 || parts[0] == "" {
		return reject(RejectMalformedCIDR, "Invalid CIDR notation %q: expected address/prefix", t)
	}

	addr, v := parseIPv4(parts[0])
	if !v.IsValid {
		return v
	}

	bits, err := strconv.Atoi(parts[1])
	if err != nil || !isDigits(parts[1]) || bits < 0 || bits > 32 {
		return reject(RejectMalformedCIDR, "Invalid CIDR prefix %q: must be a number between 0 and 32", parts[1])
	}

	prefix := netip.PrefixFrom(addr, bits).Masked()
	if !allowedSet.ContainsPrefix(prefix) {
		return rejectPublic(t)
	}
	return Validation{IsValid: true}
}

func rejectPublic(t string) Validation {
	return reject(RejectPublicRange,
		"Target %s is outside private networks (allowed: %s)", t, strings.Join(privateRanges, ", "))
}

// parseIPv4 is stricter than netip.ParseAddr so each failure gets its own reason.
func parseIPv4(s string) (netip.Addr, Validation) {
	octets := strings.Split(s, ".")
	if len(octets) != 4 {
		return netip.Addr{}, reject(RejectMalformedAddress,
			"Invalid IPv4 address %q: expected four dot-separated octets", s)
	}

	var raw [4]byte
	for i, o := range octets {
		if o == "" || len(o) > 3 || !isDigits(o) {
			return netip.Addr{}, reject(RejectMalformedAddress,
				"Invalid IPv4 address %q: octet %q is not a number", s, o)
		}
		if len(o) > 1 && o[0] == '0' {
			return netip.Addr{}, reject(RejectMalformedAddress,
				"Invalid IPv4 address %q: octet %q has a leading zero", s, o)
		}
		n, _ := strconv.Atoi(o)
		if n > 255 {
			return netip.Addr{}, reject(RejectMalformedAddress,
				"Invalid IPv4 address %q: octet %q must be between 0 and 255", s, o)
		}
		raw[i] = byte(n)
	}
	return netip.AddrFrom4(raw), Validation{IsValid: true}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
