// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package main

import (
	"fmt"
	"os"

	"iscsiclient/pkg/cli"

	"github.com/pkg/errors"
)

func main() {
	client := NewClient()
	err := client.commands.Parse(os.Args)
	if err != nil {
		var helpCmd *cli.ErrHelpPageRequested
		if errors.As(err, &helpCmd) {
			fmt.Println(helpCmd)
			os.Exit(0)
		}
		_, err := fmt.Fprintf(os.Stderr, "%s\n", err)
		if err != nil {
			panic(err)
		}
		os.Exit(1)
	}
	err = client.PerformCommand()
	if err != nil {
		_, err := fmt.Fprintln(os.Stderr, err)
		if err != nil {
			panic(err)
		}
		os.Exit(1)
	}
}
