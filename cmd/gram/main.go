// Command gram generates, compiles and runs grammars, and serves them to
// editors and remote clients.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		}
		os.Exit(1)
	}
}
