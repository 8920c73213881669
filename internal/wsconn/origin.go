package wsconn

import "net/url"

// defaultAllowedOrigins are accepted even if the caller supplies no
// explicit allow-list, matching original_source's ALLOWED_ORIGINS: local
// development talking to itself over http or https, any port.
var defaultAllowedOrigins = []string{
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
}

// OriginAllowlist decides whether a WebSocket upgrade's Origin header may
// proceed. A request with no Origin header at all is always allowed — it
// means a same-origin tool (curl, a non-browser client) rather than a
// cross-site browser page, per security_origin.rs's "no origin accepted"
// case.
type OriginAllowlist struct {
	hosts map[string]bool // "scheme://hostname", port-stripped
}

// NewOriginAllowlist builds an allow-list from defaultAllowedOrigins plus
// any extra entries the caller configured (internal/config's origin
// allow-list additions). Entries are "scheme://host" with no port; the
// port an actual Origin header carries is ignored, so
// "http://localhost:8080" and "http://localhost:3000" both match an
// allow-listed "http://localhost".
func NewOriginAllowlist(extra ...string) *OriginAllowlist {
	a := &OriginAllowlist{hosts: make(map[string]bool)}
	for _, o := range defaultAllowedOrigins {
		a.hosts[o] = true
	}
	for _, o := range extra {
		if key, ok := schemeHost(o); ok {
			a.hosts[key] = true
		}
	}
	return a
}

// Allowed reports whether origin (the raw Origin header value, or "" if
// absent) may proceed.
func (a *OriginAllowlist) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	key, ok := schemeHost(origin)
	if !ok {
		return false
	}
	return a.hosts[key]
}

func schemeHost(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Hostname(), true
}
