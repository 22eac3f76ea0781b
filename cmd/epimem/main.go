// Epimem is a self-learning episodic memory engine: it records how an
// agent solved a task, extracts recurring patterns from completed
// episodes, and retrieves the relevant history and heuristics for new
// tasks sharing context.
package main

import (
	"os"
	"runtime/debug"

	"github.com/d-o-hub/epimem/internal/commands"
)

// version is set via ldflags (-X main.version=v1.0.0) or detected
// automatically from Go module info embedded by go install.
var version = "dev"

func main() {
	if version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	if err := commands.Execute(version); err != nil {
		os.Exit(1)
	}
}
