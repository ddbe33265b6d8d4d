// Package ids generates identifiers for principals and roles.
package ids

import "github.com/oklog/ulid/v2"

// New returns a lexicographically sortable ULID, monotonic within a millisecond.
func New() string {
	return ulid.Make().String()
}
