package httpcore

import (
	"log"
	"os"
)

// NewLogger returns a *log.Logger prefixed with component, matching the
// plain stdlib logging style the rest of this package uses (no structured
// logging framework: see DESIGN.md's ambient-stack rationale).
func NewLogger(component string) *log.Logger {
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
}
