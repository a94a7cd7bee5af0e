package main

import (
	"context"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	cobra.CheckErr(NewCLI().ExecuteContext(context.Background()))
}
