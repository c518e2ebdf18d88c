package identity

import (
	"net"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// anonymousBucketModulus matches spec.md's stable_hash(client_addr) mod 10^6.
const anonymousBucketModulus = 1_000_000

// StableHash derives an anonymous Principal's bucket id from a client
// address. Unlike a language runtime's randomized hash() (which the source
// this resolver replaces relied on), xxhash is stable across process
// restarts, so the same address always buckets to the same anonymous
// identity.
func StableHash(addr string) int {
	return int(xxhash.Sum64String(addr) % anonymousBucketModulus)
}

// ClientAddr extracts the originating client address from a request,
// preferring forwarding headers set by a trusted reverse proxy and falling
// back to the raw remote address.
func ClientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr := strings.TrimSpace(parts[0]); addr != "" {
			return addr
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
