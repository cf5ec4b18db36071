// Package utils provides small shared helpers (error wrapping, environment
// variable lookup) used across daglnode's commands and packages.
package utils

import "fmt"

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
