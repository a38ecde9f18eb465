// Package ids generates identifiers: UUID v4 strings for log and request ids, and
// negative temporary ids for records created before any remote has seen them.
package ids

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// NewUUID generates a new UUID v4.
func NewUUID() string {
	return uuid.New().String()
}

// IsValidUUID checks if a string is a valid UUID v4.
func IsValidUUID(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// ValidateUUID returns an error if the string is not a valid UUID v4.
func ValidateUUID(s string) error {
	if !IsValidUUID(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// TempSpread is the number of distinct temporary ids per millisecond.
const TempSpread = 1000

// Source returns numbers in [0, n).
type Source func(n int) int

// DefaultSource draws from the process-wide random generator.
func DefaultSource(n int) int {
	return rand.IntN(n)
}

// TempID derives a temporary id from the clock with a random perturbation:
// -(unixMillis*TempSpread + r), r in [0, TempSpread). The result is always negative.
func TempID(now time.Time, src Source) int64 {
	if src == nil {
		src = DefaultSource
	}
	ms := now.UnixMilli()
	if ms < 1 {
		ms = 1
	}
	return -(ms*TempSpread + int64(src(TempSpread)))
}

// IsTemp reports whether id is a temporary id.
func IsTemp(id int64) bool {
	return id < 0
}
