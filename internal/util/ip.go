package util

import "net"

// IPClass is the security classification of an IP address, used when
// validating redirect URI hosts against SSRF targets.
type IPClass int

const (
	IPClassPublic IPClass = iota
	IPClassLoopback
	IPClassPrivate
	IPClassLinkLocal
	IPClassUnspecified
)

// String returns a human-readable name for the classification.
func (c IPClass) String() string {
	switch c {
	case IPClassPublic:
		return "public"
	case IPClassLoopback:
		return "loopback"
	case IPClassPrivate:
		return "private"
	case IPClassLinkLocal:
		return "link_local"
	case IPClassUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP classifies an address. Loopback is distinguished from the
// other non-public classes because RFC 8252 allows loopback redirect
// URIs for native apps, while link-local addresses reach cloud
// metadata services and must never be a redirect target.
func ClassifyIP(ip net.IP) IPClass {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassUnspecified
	case ip.IsLoopback():
		return IPClassLoopback
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return IPClassLinkLocal
	case ip.IsPrivate():
		return IPClassPrivate
	default:
		return IPClassPublic
	}
}

// IsForbiddenRedirectHost reports whether a redirect URI hostname
// resolves to an address class that must never receive an
// authorization response. Loopback and plain hostnames pass; only
// literal link-local and unspecified addresses are rejected.
func IsForbiddenRedirectHost(hostname string) bool {
	ip := net.ParseIP(trimIPv6Brackets(hostname))
	if ip == nil {
		// Not an IP literal; DNS names are the client's problem.
		return false
	}
	switch ClassifyIP(ip) {
	case IPClassLinkLocal, IPClassUnspecified:
		return true
	default:
		return false
	}
}

func trimIPv6Brackets(hostname string) string {
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		return hostname[1 : len(hostname)-1]
	}
	return hostname
}
