// Package tools exposes the relay to MCP clients: fragment previews, journal
// statistics and reflex rule management.
package tools

import (
	"github.com/vthunder/meshrelay/internal/fragment"
	"github.com/vthunder/meshrelay/internal/journal"
	"github.com/vthunder/meshrelay/internal/reflex"
)

// Dependencies holds the services the tools use. Optional fields may be nil;
// tools that need a missing service are not registered.
type Dependencies struct {
	Fragment fragment.Config // base settings for fragment_preview

	Journal *journal.Journal
	Rules   *reflex.Engine

	// AdminURL is the running relay's admin server, e.g. http://127.0.0.1:9464
	AdminURL string
}
