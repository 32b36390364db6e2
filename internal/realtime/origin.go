package realtime

import (
	"net/http"
	"strings"
)

// originPolicy is the cross-origin allow list. An empty list or "*" allows
// any origin.
type originPolicy struct {
	any     bool
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{})}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if o == "*" {
			p.any = true
		}
		p.allowed[strings.ToLower(o)] = struct{}{}
	}
	if len(p.allowed) == 0 {
		p.any = true
	}
	return p
}

func (p *originPolicy) allows(origin string) bool {
	if p.any || origin == "" {
		return true
	}
	_, ok := p.allowed[strings.ToLower(origin)]
	return ok
}

// checkRequest is the websocket upgrader's origin check. Requests without
// an Origin header come from non-browser clients and are accepted.
func (p *originPolicy) checkRequest(r *http.Request) bool {
	return p.allows(r.Header.Get("Origin"))
}

// middleware adds CORS headers for allowed origins on plain HTTP requests
// and answers preflights.
func (p *originPolicy) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && p.allows(origin) {
			if p.any {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
