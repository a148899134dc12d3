// confcom generates confidential container security policies for Azure
// container groups and checks existing policies against their deployments.
package main

import (
	"fmt"
	"os"
)

func main() {
	// Run() should not return an error because of ExitErrHandler, but just in case ...
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
