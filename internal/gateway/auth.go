package gateway

import (
	"net/http"
	"strings"
)

// Principal is the authenticated caller. Observers may read any session's
// transcript and realtime stream but never write.
type Principal struct {
	ID       string
	Observer bool
}

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(token string) (Principal, bool)
}

// StaticTokens authenticates against a fixed token table.
type StaticTokens struct {
	tokens map[string]string
}

func NewStaticTokens(tokens map[string]string) *StaticTokens {
	return &StaticTokens{tokens: tokens}
}

func (a *StaticTokens) Authenticate(token string) (Principal, bool) {
	principal, ok := a.tokens[token]
	if !ok {
		return Principal{}, false
	}
	if rest, found := strings.CutPrefix(principal, "observer:"); found {
		return Principal{ID: rest, Observer: true}, true
	}
	return Principal{ID: principal}, true
}

// DevAuth treats the bearer token itself as the principal id. An absent
// token maps to "anonymous". Local development only.
type DevAuth struct{}

func (DevAuth) Authenticate(token string) (Principal, bool) {
	if token == "" {
		return Principal{ID: "anonymous"}, true
	}
	return Principal{ID: token}, true
}

// bearerToken pulls the token from the Authorization header, falling back to
// the access_token query parameter for websocket clients.
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if rest, found := strings.CutPrefix(h, "Bearer "); found {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
