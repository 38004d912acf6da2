package connection

import (
	"fmt"
	"net/url"
	"strings"
)

// Target locates the socket endpoint relative to the page origin.
type Target struct {
	Origin string
	Path   string
}

// Resolve maps the origin scheme to its socket scheme and attaches the
// bearer token as a query parameter.
func (t Target) Resolve(token string) (string, error) {
	u, err := url.Parse(t.Origin)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	if t.Path != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(t.Path, "/")
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}
