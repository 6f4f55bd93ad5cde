// Package corrid generates and validates correlation IDs. A correlation
// ID is minted exactly once at a process entry point — an HTTP handler or
// a CLI main — and threaded unchanged through every audit row and
// response that originates from that request or run. Nothing below the
// entry layer is allowed to mint a new one.
package corrid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

var pattern = regexp.MustCompile(`^corr-[a-fA-F0-9]{16}$`)

// New mints a fresh correlation ID: "corr-" followed by 16 lowercase hex
// characters.
func New() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is a process-level fault, not a recoverable
		// one; callers of New() never expect an error return per the
		// DESIGN NOTES "generate once at entry" contract, so panic here
		// rather than silently handing back a malformed ID.
		panic(fmt.Sprintf("corrid: rand.Read: %v", err))
	}
	return "corr-" + hex.EncodeToString(b)
}

// Valid reports whether s matches the canonical correlation-id pattern.
func Valid(s string) bool {
	return pattern.MatchString(s)
}
