// Command steward runs the work-item engine over a filesystem vault.
package main

import (
	"fmt"
	"os"

	"github.com/iambrandonn/steward/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
