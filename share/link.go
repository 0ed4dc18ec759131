package share

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidLink indicates a link with no code.
var ErrInvalidLink = errors.New("invalid connect link")

// Query parameter names used in connect links.
const (
	CodeParam = "code"
	PeerParam = "peer"
)

// Link is a code and, optionally, the sender's peer address.
type Link struct {
	Code        string
	PeerAddress string
}

// URL appends the link as query parameters to base. Existing query
// parameters on base are kept.
func (l Link) URL(base string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		u = &url.URL{}
	}

	q := u.Query()
	q.Set(CodeParam, l.Code)
	if l.PeerAddress != "" {
		q.Set(PeerParam, l.PeerAddress)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ParseLink accepts either a URL carrying a code parameter or a bare code.
func ParseLink(raw string) (Link, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Link{}, ErrInvalidLink
	}

	if !strings.ContainsAny(raw, "?=/:") {
		return Link{Code: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %w", ErrInvalidLink, err)
	}

	q := u.Query()
	code := strings.TrimSpace(q.Get(CodeParam))
	if code == "" {
		return Link{}, fmt.Errorf("%w: missing %q parameter", ErrInvalidLink, CodeParam)
	}

	return Link{Code: code, PeerAddress: q.Get(PeerParam)}, nil
}
