package internal

import (
	"time"

	"golang.org/x/exp/slices"
)

// Keys returns a slice containing copies of the keys of the given map, in no particular
// order.
func Keys[K comparable, V any](m map[K]V) []K {
	if m == nil {
		return nil
	}
	output := make([]K, 0, len(m))
	for key := range m {
		output = append(output, key)
	}
	return output
}

// SortedKeys is Keys in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := Keys(m)
	slices.Sort(keys)
	return keys
}

// Clock returns the current time. Components take one so tests can control lease expiry.
type Clock func() time.Time

func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}
