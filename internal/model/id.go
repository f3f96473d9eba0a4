// Package model holds identifiers shared by the daemon and the emulator.
package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewClientID returns an identifier for a client instance. Registrations
// record it so a client can recognise its own handles.
func NewClientID() string {
	return "cl_" + strings.ToLower(NewID())
}

// ParseClientID reports whether s was produced by NewClientID.
func ParseClientID(s string) (ulid.ULID, bool) {
	raw, ok := strings.CutPrefix(s, "cl_")
	if !ok {
		return ulid.ULID{}, false
	}
	id, err := ulid.ParseStrict(strings.ToUpper(raw))
	if err != nil {
		return ulid.ULID{}, false
	}
	return id, true
}
