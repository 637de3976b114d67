// Package identity derives the seller's marketplace identity from session
// cookies and obtains per-connection access tokens.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SelfCookie is the cookie carrying the logged-in account id.
const SelfCookie = "unb"

// ErrHandshakeFatal marks a handshake failure that retrying the same
// session cannot fix, such as a token response without a token.
var ErrHandshakeFatal = errors.New("handshake fatal")

// Identity is the local account a session runs as.
type Identity struct {
	SelfID   string
	DeviceID string
	Cookies  string
}

// ParseCookies splits a "k=v; k2=v2" cookie header.
func ParseCookies(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// New builds an Identity from a cookie header. The device id is random per
// process run and suffixed with the account id.
func New(cookies string) (Identity, error) {
	selfID := ParseCookies(cookies)[SelfCookie]
	if selfID == "" {
		return Identity{}, fmt.Errorf("cookie %q not found", SelfCookie)
	}
	return Identity{
		SelfID:   selfID,
		DeviceID: NewDeviceID(selfID),
		Cookies:  cookies,
	}, nil
}

// NewDeviceID returns a device id in the web client's "<UUID>-<account>" form.
func NewDeviceID(selfID string) string {
	return strings.ToUpper(uuid.NewString()) + "-" + selfID
}
