package stitch

import "io"

// closer returns a function that closes c, discarding the error.
// Use with defer for read-only values such as object bodies.
func closer(c io.Closer) func() {
	return func() { _ = c.Close() }
}
