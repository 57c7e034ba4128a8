// Command entitykit runs identity checks, prints schema DDL and archives
// store snapshots.
package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"

	"entitykit/cmd/entitykit/commands"
	"entitykit/internal/logger"
)

func main() {
	err := commands.NewRootCommand().Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
