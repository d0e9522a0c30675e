// Package privacy derives opaque owner identifiers from client network
// addresses. It never stores or logs the raw address.
package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// OwnerID is a fixed-width opaque token derived by HMAC(secret, address).
type OwnerID string

// Hasher derives OwnerIDs from request metadata. It is pure and
// constant-time in the secret (crypto/hmac never branches on key bytes).
type Hasher struct {
	secret            []byte
	trustHeaders      bool
	trustedCIDRs      []*net.IPNet
	warnedOnce        bool
	logger            *slog.Logger
}

// New builds a Hasher. secret must be at least 16 bytes; callers enforce
// that at config-load time (spec.md §4.1: absence is a fatal config error).
func New(secret string, trustHeaders bool, trustedCIDRs []*net.IPNet, logger *slog.Logger) *Hasher {
	return &Hasher{
		secret:       []byte(secret),
		trustHeaders: trustHeaders,
		trustedCIDRs: trustedCIDRs,
		logger:       logger,
	}
}

// OwnerOf derives the OwnerID for the client that issued r.
//
// When TrustProxyHeaders is set, the address is the left-most entry of
// X-Forwarded-For whose immediate peer (r.RemoteAddr) falls inside a
// configured trusted CIDR. Otherwise — or if no trusted CIDRs are
// configured while proxy mode is requested — the socket peer address wins.
func (h *Hasher) OwnerOf(r *http.Request) OwnerID {
	return h.ownerOfAddr(h.clientAddress(r))
}

// ownerOfAddr is the pure core: HMAC-SHA256(secret, address), hex-encoded.
func (h *Hasher) ownerOfAddr(address string) OwnerID {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(address)) //nolint:errcheck
	return OwnerID(hex.EncodeToString(mac.Sum(nil)))
}

func (h *Hasher) clientAddress(r *http.Request) string {
	peerHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peerHost = r.RemoteAddr
	}

	if !h.trustHeaders {
		return peerHost
	}

	if len(h.trustedCIDRs) == 0 {
		if !h.warnedOnce {
			h.warnedOnce = true
			if h.logger != nil {
				h.logger.Warn("TRUST_PROXY_HEADERS set but no TRUSTED_PROXY_CIDRS configured — falling back to socket peer for every request")
			}
		}
		return peerHost
	}

	peerIP := net.ParseIP(peerHost)
	if peerIP == nil || !h.peerTrusted(peerIP) {
		return peerHost
	}

	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return peerHost
	}
	parts := strings.Split(fwd, ",")
	leftmost := strings.TrimSpace(parts[0])
	if leftmost == "" {
		return peerHost
	}
	return leftmost
}

func (h *Hasher) peerTrusted(ip net.IP) bool {
	for _, n := range h.trustedCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
