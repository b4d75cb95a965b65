package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
)

// ErrBlockedAddress is returned by DialControl for internal addresses.
var ErrBlockedAddress = errors.New("dial to internal address blocked")

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard combines IsSafe with DNS resolution, rejecting hostnames that resolve
// to loopback, private, link-local or unspecified addresses. Verdicts for
// resolved hostnames are cached.
type Guard struct {
	resolver Resolver
	cache    *ristretto.Cache
	ttl      time.Duration
	timeout  time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithResolver replaces net.DefaultResolver. A nil resolver turns DNS checks
// off; hostnames are then judged by the textual rules alone.
func WithResolver(r Resolver) Option {
	return func(g *Guard) { g.resolver = r }
}

// WithCacheTTL sets how long a hostname verdict is reused. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(g *Guard) { g.ttl = d }
}

// WithTimeout bounds each DNS lookup.
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) { g.timeout = d }
}

// NewGuard creates a Guard. Defaults: system resolver, 5 minute cache, 3 second lookups.
func NewGuard(opts ...Option) (*Guard, error) {
	g := &Guard{
		resolver: net.DefaultResolver,
		ttl:      5 * time.Minute,
		timeout:  3 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.ttl > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters:        100_000,
			MaxCost:            10_000,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create verdict cache: %w", err)
		}
		g.cache = cache
	}
	return g, nil
}

// Allow reports whether raw passes the textual blocklist and, for hostnames,
// every resolved address is public. Hostnames that resolve to nothing are rejected.
func (g *Guard) Allow(ctx context.Context, raw string) bool {
	if rule, blocked := Check(raw); blocked {
		log.Debug().Str("url", raw).Str("rule", rule.Name).Msg("URL blocked by hostname rule")
		return false
	}
	host, ok := hostOf(raw)
	if !ok {
		return false
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return !blockedAddr(addr)
	}
	if g.resolver == nil {
		return true
	}

	if g.cache != nil {
		if v, found := g.cache.Get(host); found {
			if allowed, ok := v.(bool); ok {
				return allowed
			}
		}
	}

	allowed, cacheable := g.resolve(ctx, host)
	if cacheable && g.cache != nil {
		g.cache.SetWithTTL(host, allowed, 1, g.ttl)
		g.cache.Wait()
	}
	return allowed
}

// Close releases the verdict cache.
func (g *Guard) Close() {
	if g.cache != nil {
		g.cache.Close()
	}
}

func (g *Guard) resolve(ctx context.Context, host string) (allowed, cacheable bool) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		log.Debug().Err(err).Str("host", host).Msg("URL host did not resolve")
		return false, false
	}
	if len(addrs) == 0 {
		return false, false
	}

	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return false, true
		}
		if blockedAddr(addr) {
			log.Warn().Str("host", host).Str("addr", addr.String()).Msg("URL host resolves to internal address")
			return false, true
		}
	}
	return true, true
}

func blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified()
}

// DialControl is a net.Dialer Control hook that refuses connections to
// loopback, private, link-local and unspecified addresses. It sees the address
// actually dialed, so a hostname re-resolved after Allow cannot slip through.
func DialControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil || blockedAddr(addr) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	return nil
}
