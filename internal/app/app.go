package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "migrate":
		return runMigrate(args[1:])
	case "compute":
		return runCompute(args[1:])
	case "schedule":
		return runSchedule(args[1:])
	case "serve":
		return runServe(args[1:])
	case "vocabulary":
		return runVocabulary(args[1:])
	case "daemon":
		return runDaemon(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "issue-index CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  issue-index <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health      Verify database connectivity")
	fmt.Fprintln(os.Stderr, "  migrate     Create or update the job index tables")
	fmt.Fprintln(os.Stderr, "  compute     Compute job issue indexes for one time bucket")
	fmt.Fprintln(os.Stderr, "  schedule    Compute every hour on a cron schedule")
	fmt.Fprintln(os.Stderr, "  serve       Start the read API server")
	fmt.Fprintln(os.Stderr, "  vocabulary  Validate and print the job tag vocabulary")
	fmt.Fprintln(os.Stderr, "  daemon      Manage systemd services (install|uninstall|start|stop|restart|status)")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"issue-index <command> -h\" for command-specific flags.")
}
