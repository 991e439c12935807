package gateway

import (
	"crypto/subtle"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// wsAPIKeyProtocol lets browsers, which cannot set headers on a websocket
// handshake, pass the key as "jobgate-api-key.<base64url key>".
const wsAPIKeyProtocol = "jobgate-api-key"

// keyring holds the accepted API keys. An empty keyring disables the check.
type keyring struct {
	keys [][]byte
}

func newKeyring(keys []string) *keyring {
	k := &keyring{}
	for _, raw := range keys {
		if key := normalizeAPIKey(raw); key != "" {
			k.keys = append(k.keys, []byte(key))
		}
	}
	return k
}

func (k *keyring) enabled() bool {
	return k != nil && len(k.keys) > 0
}

func (k *keyring) allows(key string) bool {
	if key == "" {
		return false
	}
	ok := 0
	for _, candidate := range k.keys {
		ok |= subtle.ConstantTimeCompare(candidate, []byte(key))
	}
	return ok == 1
}

// apiKeyMiddleware rejects /api/ requests that do not carry a known key.
func apiKeyMiddleware(keys *keyring, next http.Handler) http.Handler {
	if !keys.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		key := normalizeAPIKey(r.Header.Get("X-API-Key"))
		if key == "" && websocket.IsWebSocketUpgrade(r) {
			key = normalizeAPIKey(apiKeyFromWebSocket(r))
		}
		if !keys.allows(key) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	// quoted values are a common .env mistake
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

func apiKeyFromWebSocket(r *http.Request) string {
	prefix := wsAPIKeyProtocol + "."
	for _, protocol := range websocket.Subprotocols(r) {
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

// originPolicy decides which browser origins may call the API. With no
// configured origins only loopback and same-host origins pass; "*" allows all.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(origins []string) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{})}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch o {
		case "":
		case "*":
			p.allowAll = true
		default:
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

func (p *originPolicy) allows(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// non-browser clients usually omit Origin
		return true
	}
	if p.allowAll {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if len(p.allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := strings.ToLower(requestHostname(r.Host))
		return reqHost != "" && host == reqHost
	}
	_, ok := p.allowed[origin]
	return ok
}

func corsMiddleware(origins *originPolicy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
			if !origins.allows(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}
