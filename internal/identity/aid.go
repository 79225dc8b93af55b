// Package identity manages agent identities: AID parsing, the on-disk
// credential and data layout, encrypted private keys, and the local
// identity registry.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAID is returned for identifiers that are not three dot-separated
// labels.
var ErrInvalidAID = errors.New("identity: invalid agent id")

// AID is a three-label agent identifier of the form name.authority1.authority2.
// The last two labels form the authority that determines the default servers.
type AID struct {
	Name      string
	Authority string
}

// ParseAID validates and splits an agent id string.
func ParseAID(id string) (AID, error) {
	labels := strings.Split(id, ".")
	if len(labels) != 3 {
		return AID{}, fmt.Errorf("%w: %q must have exactly three labels", ErrInvalidAID, id)
	}
	for _, l := range labels {
		if l == "" {
			return AID{}, fmt.Errorf("%w: %q has an empty label", ErrInvalidAID, id)
		}
	}
	return AID{
		Name:      labels[0],
		Authority: labels[1] + "." + labels[2],
	}, nil
}

// String returns the full three-label id.
func (a AID) String() string {
	return a.Name + "." + a.Authority
}

// EndpointURL returns the authority's default server root URL, used for
// sign-in when no explicit server is configured.
func (a AID) EndpointURL() string {
	return "https://acp3." + a.Authority
}

// IsValidAID reports whether id parses as an agent identifier.
func IsValidAID(id string) bool {
	_, err := ParseAID(id)
	return err == nil
}
