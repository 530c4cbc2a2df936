// Package protocol defines the wire model of the recording protocol.
//
// It provides:
//   - ExecutionPoint: the totally ordered token identifying an instant of a recording
//   - Raw records: frames, scopes, objects and values as the server sends them
//   - Framing: requests, replies and notifications, classified at the boundary
//   - Command and notification names consumed by the client
package protocol

import (
	"fmt"
	"sort"
)

// ExecutionPoint identifies an instant in recorded execution. It is a string of
// decimal digits of arbitrary length and must never be parsed into a
// fixed-width integer.
type ExecutionPoint string

// Validate reports whether the point is a non-empty digit string.
func (p ExecutionPoint) Validate() error {
	if p == "" {
		return fmt.Errorf("empty execution point")
	}
	for i := 0; i < len(p); i++ {
		if p[i] < '0' || p[i] > '9' {
			return fmt.Errorf("invalid execution point %q", string(p))
		}
	}
	return nil
}

// ComparePoints orders two points by length first, then lexicographically.
// Leading zeros are not expected on the wire and are not normalized.
func ComparePoints(a, b ExecutionPoint) int {
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// PointLess reports whether a is strictly before b.
func PointLess(a, b ExecutionPoint) bool {
	return ComparePoints(a, b) < 0
}

// PointMax returns the later of two points.
func PointMax(a, b ExecutionPoint) ExecutionPoint {
	if ComparePoints(a, b) >= 0 {
		return a
	}
	return b
}

// SortPoints sorts points in execution order.
func SortPoints(points []ExecutionPoint) {
	sort.Slice(points, func(i, j int) bool { return PointLess(points[i], points[j]) })
}

// TimeStampedPoint pairs a point with its time in milliseconds.
type TimeStampedPoint struct {
	Point ExecutionPoint `json:"point"`
	Time  float64        `json:"time"`
}

// Timed is anything positioned on the recording's time axis.
type Timed interface {
	GetTime() float64
}

// GetTime implements Timed.
func (p TimeStampedPoint) GetTime() float64 { return p.Time }

// MostRecentIndex returns the index of the last item whose time is at or before
// t. Items must be sorted by time. The second result is false when every item
// is later than t.
func MostRecentIndex[T Timed](items []T, t float64) (int, bool) {
	// first index whose time is strictly after t
	i := sort.Search(len(items), func(i int) bool { return items[i].GetTime() > t })
	if i == 0 {
		return 0, false
	}
	return i - 1, true
}
