//go:build swdebug

package server

import "fmt"

// assertInvariant panics on a broken invariant in debug builds.
func assertInvariant(ok bool, msg string, fields ...any) {
	if !ok {
		panic(fmt.Sprintf("invariant violated: %s %v", msg, fields))
	}
}
