// Command syncengine runs and administers the durable operation sync
// engine: a daemon subcommand that drives the processing loop, and a
// handful of one-shot admin subcommands against the same durable store.
package main

import (
	"flag"
	"fmt"
	"os"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitValidation  = 65
	exitInternal    = 70
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitUsage
	}

	switch args[0] {
	case "version":
		fmt.Printf("syncengine %s (built %s)\n", version, buildTime)
		return exitOK
	case "help", "-h", "--help":
		printUsage()
		return exitOK
	case "init":
		return cmdInit(args[1:])
	case "daemon":
		return cmdDaemon(args[1:])
	case "inspect":
		return cmdInspect(args[1:])
	case "retry-failed":
		return cmdRetryFailed(args[1:])
	case "purge-failed":
		return cmdPurgeFailed(args[1:])
	case "rebuild-index":
		return cmdRebuildIndex(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "syncengine: unknown command %q\n", args[0])
		printUsage()
		return exitUsage
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: syncengine <command> [flags]

commands:
  daemon         run the processing loop until SIGINT/SIGTERM
  inspect        print queue depth, oldest age, breaker state, lock holder
  retry-failed   requeue one or all archived ops
  purge-failed   permanently delete archived ops past retention
  rebuild-index  reconstruct the entity index from pending ops
  init           write an example configuration file
  version        print the build version

Every command except init, version, and help accepts --config <path>
(default: searches the usual syncengine config locations).
`)
}

func commonFlags(fs *flag.FlagSet) *string {
	return fs.String("config", "", "path to config.toml")
}
