// Package util holds small helpers shared by the CLI, server and tests.
package util

// Ptr returns a pointer to v, for optional fields set from literals.
func Ptr[T any](v T) *T {
	return &v
}
