// Package cli implements the voicegateway binary's maintenance
// subcommands, grounded on server/cli.go's RunCLI dispatch (checked before
// flag parsing, returns whether a subcommand was handled).
package cli

import (
	"flag"
	"fmt"
	"os"

	"voicegateway/internal/config"
)

// Version is the build version string, overridable via -ldflags.
var Version = "0.1.0-dev"

// Run handles subcommand execution. Returns true if args named a
// subcommand this package handles, so main can skip the normal serve path.
func Run(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("voicegateway %s\n", Version)
		return true
	case "config-check":
		return cliConfigCheck(args[1:])
	case "help":
		printUsage()
		return true
	default:
		return false
	}
}

func cliConfigCheck(args []string) bool {
	fs := flag.NewFlagSet("config-check", flag.ExitOnError)
	var cfg config.Config
	config.RegisterFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("configuration OK")
	fmt.Printf("  listen addr:            %s\n", cfg.ListenAddr)
	fmt.Printf("  max guilds:             %d\n", cfg.MaxGuilds)
	fmt.Printf("  opus bitrate:           %d\n", cfg.OpusBitrate)
	fmt.Printf("  mixer max tracks:       %d\n", cfg.MixerMaxTracks)
	fmt.Printf("  stuck threshold:        %s\n", cfg.StuckThreshold)
	fmt.Printf("  update interval:        %s\n", cfg.UpdateInterval)
	fmt.Printf("  reconnect max attempts: %d\n", cfg.ReconnectMaxAttempts)
	fmt.Printf("  dave enabled:           %t\n", cfg.DAVEEnabled)
	fmt.Printf("  cert validity:          %s\n", cfg.CertValidity)
	return true
}

func printUsage() {
	fmt.Println("voicegateway subcommands:")
	fmt.Println("  version       print the build version")
	fmt.Println("  config-check  validate configuration flags without starting the process")
	fmt.Println("  help          print this message")
	fmt.Println()
	fmt.Println("running with no subcommand starts the gateway core.")
}
