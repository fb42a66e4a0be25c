package main

import (
	"context"
	"fmt"
	"os"

	"ekehi.network/internal/cli"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := cli.NewRootCommand(version, commit).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "ekehid:", err)
		os.Exit(1)
	}
}
