package emulator

import (
	"crypto/subtle"
	"net/http"

	"moonrpc/internal/domain"
)

// ClientInfo describes one accepted connection.
type ClientInfo struct {
	Name   string
	ConnID uint64
}

// Authenticator validates connection upgrades.
type Authenticator interface {
	Authenticate(r *http.Request) (*ClientInfo, error)
}

// OpenAuth accepts every connection, the way Moonraker treats trusted clients.
type OpenAuth struct{}

func (OpenAuth) Authenticate(*http.Request) (*ClientInfo, error) {
	return &ClientInfo{Name: "trusted"}, nil
}

// KeyEntry names one accepted credential.
type KeyEntry struct {
	Key  string
	Name string
}

// StaticKeyAuth accepts an API key in the X-Api-Key header or a token in the
// "token" query parameter, compared in constant time.
type StaticKeyAuth struct {
	entries []KeyEntry
}

// NewStaticKeyAuth builds an authenticator from a fixed credential list.
func NewStaticKeyAuth(entries ...KeyEntry) *StaticKeyAuth {
	return &StaticKeyAuth{entries: entries}
}

func (a *StaticKeyAuth) Authenticate(r *http.Request) (*ClientInfo, error) {
	for _, candidate := range []string{r.Header.Get("X-Api-Key"), r.URL.Query().Get("token")} {
		if candidate == "" {
			continue
		}
		if name, ok := a.match(candidate); ok {
			return &ClientInfo{Name: name}, nil
		}
	}
	return nil, domain.ErrAuthInvalid
}

func (a *StaticKeyAuth) match(candidate string) (string, bool) {
	c := []byte(candidate)
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare(c, []byte(e.Key)) == 1 {
			return e.Name, true
		}
	}
	return "", false
}
