// Command actuator runs the safety-governed device command queue.
package main

import (
	"fmt"
	"os"

	"github.com/ltth/actuator/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
