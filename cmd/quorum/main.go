// Command quorum runs a multi-party deliberation session.
//
// Usage:
//
//	quorum run                        # run a demo session
//	quorum run --config config.yaml   # with a config file
//	quorum sessions                   # list stored sessions
//	quorum validate --config c.yaml   # check a config file
//	quorum version                    # show version information
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/quorumkit/quorum/config"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runSession(os.Args[2:])
	case "sessions":
		runSessions(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func loadConfig(configPath string) *config.Config {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loadConfig(*configPath)
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("quorum %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`quorum - multi-party deliberation kernel

Usage:
  quorum <command> [options]

Commands:
  run       Run a deliberation session
  sessions  List stored sessions
  validate  Validate a configuration file
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>        Path to configuration file (YAML)
  --goal <text>          Override the session goal
  --duration <d>         Wall-clock budget for the session (default 30s)
  --metrics-addr <addr>  Serve Prometheus metrics on this address

Examples:
  quorum run
  quorum run --config /etc/quorum/config.yaml --duration 1m
  quorum sessions --config config.yaml
  quorum validate --config config.yaml
  quorum version`)
}
