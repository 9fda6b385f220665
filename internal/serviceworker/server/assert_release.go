//go:build !swdebug

package server

import "github.com/zjrosen/swserver/internal/log"

// assertInvariant logs a broken invariant. Build with -tags swdebug to panic.
func assertInvariant(ok bool, msg string, fields ...any) {
	if !ok {
		log.Error(log.CatServer, "invariant violated: "+msg, fields...)
	}
}
