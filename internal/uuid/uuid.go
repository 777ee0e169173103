// Package uuid provides identifier generation for queued records and the
// device identity.
package uuid

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalPrefix marks identifiers generated on the device before the server
// has assigned a permanent id.
const LocalPrefix = "local_"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

var localIDRegex = regexp.MustCompile(`^local_[0-9]+_[0-9a-z]{9}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// LocalID returns a client-side record id of the form
// local_<epochMillis>_<random>, where random is nine base-36 characters.
func LocalID(now time.Time) string {
	return fmt.Sprintf("%s%d_%s", LocalPrefix, now.UnixMilli(), randomBase36(9))
}

// IsLocalID reports whether id was generated by LocalID, i.e. the record has
// not yet been assigned a server id.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalPrefix)
}

// IsWellFormedLocalID is the strict form of IsLocalID.
func IsWellFormedLocalID(id string) bool {
	return localIDRegex.MatchString(id)
}

func randomBase36(n int) string {
	u := uuid.New()
	s := strconv.FormatUint(binary.BigEndian.Uint64(u[8:]), 36)
	if len(s) < n {
		s = strings.Repeat("0", n-len(s)) + s
	}
	return s[len(s)-n:]
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
