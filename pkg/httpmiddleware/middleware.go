// Package httpmiddleware provides the HTTP middleware chain used by the
// engine's server: panic recovery, request identity, request-scoped
// logging, and rate limiting.
package httpmiddleware

import "net/http"

// Middleware wraps an http.Handler with additional behaviour.
type Middleware func(http.Handler) http.Handler

// Wrap applies the middlewares to h so that the first middleware in the
// list is the outermost one at request time.
func Wrap(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
