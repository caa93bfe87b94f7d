package main

import (
	"github.com/alecthomas/kong"

	"github.com/kpidoff10/kidoo-app-sub000/internal/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("kidoo"),
		kong.Description("Provision and inspect Kidoo devices over Bluetooth LE."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&c))
}
