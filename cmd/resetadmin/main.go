// Package main provides a one-shot utility for resetting the operator
// credentials the admin surface authenticates against.
package main

import (
	"flag"
	"os"

	"github.com/joho/godotenv"

	resetadmincmd "github.com/donorgate/donorgate/internal/cmd/resetadmin"
	"github.com/donorgate/donorgate/internal/platform/config"
)

func main() {
	_ = godotenv.Load()
	cfg, err := resetadmincmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := resetadmincmd.Run(cfg, os.Stdout); err != nil {
		config.Exitf("reset admin credentials: %v", err)
	}
}
