// Package gid provides the identity token of the calling goroutine.
//
// The token is the runtime's goroutine id. The runtime never hands out
// id zero, so a token can be stored in a mutex owner word where zero
// means "unheld".
package gid

import "github.com/petermattis/goid"

// Self returns the token identifying the calling goroutine.
func Self() uint64 {
	return uint64(goid.Get())
}
