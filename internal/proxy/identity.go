package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Identity carries the correlation fields stamped onto queued messages.
// None of them participate in authorization; auth headers are forwarded to
// upstreams untouched.
type Identity struct {
	UserID    string
	SessionID string
	IPAddress string
	UserAgent string
}

// DeriveIdentity extracts correlation identifiers from the live request.
//
// The session id hashes ip, user agent, X-Requested-With and the current
// unix second; two requests from the same client within one second collide,
// which is accepted for a correlation-only identifier. The user id prefers
// the authenticated principal header and falls back to a hash of the bearer
// token so the same caller correlates across requests without the token
// ever being stored.
func DeriveIdentity(r *http.Request, now time.Time) Identity {
	id := Identity{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}

	id.SessionID = hashFields(
		id.IPAddress,
		id.UserAgent,
		r.Header.Get("X-Requested-With"),
		fmt.Sprintf("%d", now.Unix()),
	)

	if principal := r.Header.Get("X-User-ID"); principal != "" {
		id.UserID = principal
	} else if auth := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		id.UserID = hashFields(auth)
	}

	return id
}

func hashFields(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
