// Package ssrf decides whether a user-supplied URL may be fetched or stored
// for later server-side requests.
//
// IsSafe is a textual blocklist over the URL hostname and never touches the
// network. Guard adds DNS resolution on top of it so hostnames that resolve to
// internal addresses are rejected as well.
package ssrf

import (
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// Rule is one entry of the hostname blocklist.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Reason  string
}

// Rules is the hostname blocklist, matched against the lower-cased host with
// IPv6 brackets removed and IP literals in canonical form. Patterns are anchored at the start only, so
// "localhost.example" and "metadata.google.internal" are blocked too.
var Rules = []Rule{
	{"localhost", regexp.MustCompile(`^localhost`), "loopback hostname"},
	{"loopback-v4", regexp.MustCompile(`^127\.\d+\.\d+\.\d+`), "IPv4 loopback"},
	{"unspecified-v4", regexp.MustCompile(`^0\.0\.0\.0`), "unspecified address"},
	{"private-10", regexp.MustCompile(`^10\.\d+\.\d+\.\d+`), "RFC1918 10/8"},
	{"private-172", regexp.MustCompile(`^172\.(1[6-9]|2\d|3[0-1])\.\d+\.\d+`), "RFC1918 172.16/12"},
	{"private-192", regexp.MustCompile(`^192\.168\.\d+\.\d+`), "RFC1918 192.168/16"},
	{"loopback-v6", regexp.MustCompile(`^::1?$`), "IPv6 loopback or unspecified"},
	{"metadata-google", regexp.MustCompile(`^metadata\.google`), "cloud metadata service"},
	{"link-local-v4", regexp.MustCompile(`^169\.254\.\d+\.\d+`), "IPv4 link-local / metadata"},
	{"mapped-loopback-v6", regexp.MustCompile(`^::ffff:(127\.\d+\.\d+\.\d+|7f[0-9a-f]{2}:)`), "IPv4-mapped loopback"},
	{"unique-local-v6", regexp.MustCompile(`^f[cd][0-9a-f]{2}:`), "IPv6 unique local fc00::/7"},
	{"link-local-v6", regexp.MustCompile(`^fe[89ab][0-9a-f]:`), "IPv6 link-local fe80::/10"},
}

// IsSafe reports whether raw is an absolute http(s) URL whose host is not on
// the blocklist. Malformed input is unsafe.
func IsSafe(raw string) bool {
	_, blocked, ok := check(raw)
	return ok && !blocked
}

// Check returns the rule that blocks raw, if any. The boolean is false when raw
// is unsafe for a reason other than a rule match (parse failure, scheme).
func Check(raw string) (Rule, bool) {
	rule, blocked, ok := check(raw)
	if !ok || !blocked {
		return Rule{}, false
	}
	return rule, true
}

func check(raw string) (rule Rule, blocked bool, ok bool) {
	host, ok := hostOf(raw)
	if !ok {
		return Rule{}, false, false
	}
	for _, r := range Rules {
		if r.Pattern.MatchString(host) {
			return r, true, true
		}
	}
	return Rule{}, false, true
}

// hostOf parses raw and returns its normalised hostname. ok is false when the
// URL is not an absolute http(s) URL with a host, or when the host looks like
// an IP literal but does not parse as one.
func hostOf(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	if !isASCII(host) {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", false
		}
		host = ascii
	}
	return canonicalHost(host)
}

// canonicalHost rewrites IP literals the way browsers do, so "127.1",
// "0x7f.0.0.1", "0177.0.0.1" and "2130706433" all read "127.0.0.1" and
// "0:0:0:0:0:0:0:1" reads "::1". Other hostnames are returned unchanged.
func canonicalHost(host string) (string, bool) {
	if strings.Contains(host, ":") {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return "", false
		}
		return addr.String(), true
	}
	if !endsInNumber(host) {
		return host, true
	}
	addr, ok := parseIPv4(host)
	if !ok {
		return "", false
	}
	return addr.String(), true
}

// ipv4Parts splits host on dots, ignoring one trailing dot.
func ipv4Parts(host string) []string {
	parts := strings.Split(host, ".")
	if len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// endsInNumber reports whether the last label is numeric, which makes the
// whole host an IPv4 literal.
func endsInNumber(host string) bool {
	parts := ipv4Parts(host)
	last := parts[len(parts)-1]
	if last != "" && strings.Trim(last, "0123456789") == "" {
		return true
	}
	_, ok := parseIPv4Number(last)
	return ok
}

// parseIPv4 accepts one to four parts in decimal, octal (leading 0) or hex
// (leading 0x). The last part fills the remaining bytes.
func parseIPv4(host string) (netip.Addr, bool) {
	parts := ipv4Parts(host)
	if len(parts) > 4 {
		return netip.Addr{}, false
	}
	nums := make([]uint64, len(parts))
	for i, p := range parts {
		n, ok := parseIPv4Number(p)
		if !ok {
			return netip.Addr{}, false
		}
		nums[i] = n
	}

	var v uint64
	for i, n := range nums[:len(nums)-1] {
		if n > 255 {
			return netip.Addr{}, false
		}
		v |= n << (8 * (3 - i))
	}
	last := nums[len(nums)-1]
	if last >= 1<<(8*(5-len(nums))) {
		return netip.Addr{}, false
	}
	v |= last
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), true
}

func parseIPv4Number(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	base := 10
	switch {
	case len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X"):
		s, base = s[2:], 16
	case len(s) >= 2 && s[0] == '0':
		s, base = s[1:], 8
	}
	if s == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
