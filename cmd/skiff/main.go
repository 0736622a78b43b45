package main

import (
	"fmt"
	"os"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"serve"}
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServeCommand(args[1:])
	case "status":
		err = runStatusCommand(args[1:])
	case "version":
		fmt.Printf("skiff %s (%s, built %s)\n", version, commit, buildDate)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`skiff - browser terminal with an embedded agent

Usage:
  skiff serve [flags]    start the server
  skiff status [flags]   query a session on a running server (NATS bus only)
  skiff version          print version information
  skiff help             show this help

Serve flags:
  -config path           config file (default ~/.skiff/config.yaml)
  -bind addr             listen address (overrides config)
  -workdir path          default session working directory

Status flags:
  -config path           config file (default ~/.skiff/config.yaml)
  -nats url              NATS server URL (overrides config)
  -session id            session id to query
  -timeout duration      query timeout (default 5s)
`)
}
