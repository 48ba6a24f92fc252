package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	daemonScheduleUnitName = "issue-index-schedule.service"
	daemonServeUnitName    = "issue-index-serve.service"
	systemdUnitDir         = "/etc/systemd/system"
	defaultDaemonBinary    = "/usr/local/bin/issue-index"
)

var daemonUnitNames = []string{
	daemonScheduleUnitName,
	daemonServeUnitName,
}

type unitSettings struct {
	User       string
	Binary     string
	EnvFile    string
	WorkingDir string
	Port       int
}

func runDaemon(args []string) int {
	if len(args) == 0 {
		printDaemonUsage()
		return 2
	}

	action := strings.ToLower(strings.TrimSpace(args[0]))
	switch action {
	case "help", "-h", "--help":
		printDaemonUsage()
		return 0
	case "install":
		return runDaemonInstall(args[1:])
	case "uninstall":
		return runDaemonUninstall(args[1:])
	case "start", "stop", "restart":
		return runDaemonServiceAction(action, args[1:], true)
	case "status":
		return runDaemonServiceAction(action, args[1:], false)
	default:
		fmt.Fprintf(os.Stderr, "unknown daemon action: %s\n\n", args[0])
		printDaemonUsage()
		return 2
	}
}

func runDaemonInstall(args []string) int {
	fs := flag.NewFlagSet("daemon install", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	defaultUser := strings.TrimSpace(os.Getenv("USER"))
	if defaultUser == "" {
		defaultUser = "root"
	}

	userName := fs.String("user", defaultUser, "Run services as this Linux user")
	port := fs.Int("port", 8090, "Port for issue-index-serve")
	envFile := fs.String("env-file", "", "Path to the .env file passed to both services")
	binary := fs.String("binary", defaultDaemonBinary, "Path to the issue-index binary")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "daemon install does not accept positional args")
		return 2
	}
	if err := validatePort(*port, "--port"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if strings.TrimSpace(*userName) == "" {
		fmt.Fprintln(os.Stderr, "--user must not be empty")
		return 2
	}

	settings, err := resolveUnitSettings(*userName, *binary, *envFile, *port)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := requireRoot("install"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	units := map[string]string{
		daemonScheduleUnitName: buildScheduleUnitFile(settings),
		daemonServeUnitName:    buildServeUnitFile(settings),
	}
	for _, name := range daemonUnitNames {
		if err := writeUnitFile(name, units[name]); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", name, err)
			return 1
		}
	}
	if err := runSystemctl("daemon-reload"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reload systemd units: %v\n", err)
		return 1
	}

	enableArgs := append([]string{"enable"}, daemonUnitNames...)
	if err := runSystemctl(enableArgs...); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to enable services: %v\n", err)
		return 1
	}

	fmt.Printf("Installed %s and %s\n", daemonScheduleUnitName, daemonServeUnitName)
	fmt.Println("Services are enabled on boot. Run `issue-index daemon start` to start them now.")
	return 0
}

func runDaemonUninstall(args []string) int {
	fs := flag.NewFlagSet("daemon uninstall", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "daemon uninstall does not accept positional args")
		return 2
	}
	if err := requireRoot("uninstall"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	stopArgs := append([]string{"stop"}, daemonUnitNames...)
	if err := runSystemctl(stopArgs...); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to stop one or more services: %v\n", err)
	}

	disableArgs := append([]string{"disable"}, daemonUnitNames...)
	if err := runSystemctl(disableArgs...); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to disable one or more services: %v\n", err)
	}

	for _, unitName := range daemonUnitNames {
		unitPath := filepath.Join(systemdUnitDir, unitName)
		if err := os.Remove(unitPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Failed to remove %s: %v\n", unitPath, err)
			return 1
		}
	}

	if err := runSystemctl("daemon-reload"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reload systemd units: %v\n", err)
		return 1
	}

	fmt.Printf("Removed %s and %s\n", daemonScheduleUnitName, daemonServeUnitName)
	return 0
}

func runDaemonServiceAction(action string, args []string, requireRootPrivileges bool) int {
	fs := flag.NewFlagSet("daemon "+action, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "daemon %s does not accept positional args\n", action)
		return 2
	}
	if requireRootPrivileges {
		if err := requireRoot(action); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	if err := runSystemctl(systemctlArgs(action)...); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to %s services: %v\n", action, err)
		return 1
	}
	return 0
}

func systemctlArgs(action string) []string {
	out := make([]string, 0, 2+len(daemonUnitNames))
	out = append(out, action)
	if action == "status" {
		out = append(out, "--no-pager")
	}
	return append(out, daemonUnitNames...)
}

func validatePort(port int, flagName string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535", flagName)
	}
	return nil
}

func requireRoot(action string) error {
	if os.Geteuid() == 0 {
		return nil
	}
	return fmt.Errorf("daemon %s requires root privileges; run with sudo: sudo issue-index daemon %s", action, action)
}

// resolveUnitSettings makes the binary and env file paths absolute. The env
// file directory becomes the working directory so a relative VOCABULARY_FILE
// resolves next to it.
func resolveUnitSettings(userName, binary, envFile string, port int) (unitSettings, error) {
	settings := unitSettings{
		User: strings.TrimSpace(userName),
		Port: port,
	}

	binary = strings.TrimSpace(binary)
	if binary == "" {
		return unitSettings{}, errors.New("--binary must not be empty")
	}
	absBinary, err := filepath.Abs(binary)
	if err != nil {
		return unitSettings{}, fmt.Errorf("normalize --binary %q: %w", binary, err)
	}
	settings.Binary = absBinary

	envFile = strings.TrimSpace(envFile)
	if envFile == "" {
		return settings, nil
	}
	absEnv, err := filepath.Abs(envFile)
	if err != nil {
		return unitSettings{}, fmt.Errorf("normalize --env-file %q: %w", envFile, err)
	}
	settings.EnvFile = absEnv
	settings.WorkingDir = filepath.Dir(absEnv)
	return settings, nil
}

func buildScheduleUnitFile(s unitSettings) string {
	return buildUnitFile(
		s,
		"Issue index hourly compute service",
		"After=network.target postgresql.service",
		"schedule",
		"migrate",
	)
}

func buildServeUnitFile(s unitSettings) string {
	return buildUnitFile(
		s,
		"Issue index read API service",
		"After=network.target postgresql.service "+daemonScheduleUnitName,
		"serve --host 0.0.0.0 --port "+strconv.Itoa(s.Port),
		"",
	)
}

// buildUnitFile renders a unit running command. A non-empty preCommand runs
// first as ExecStartPre with the same env file.
func buildUnitFile(s unitSettings, description, after, command, preCommand string) string {
	invocation := func(cmd string) string {
		line := s.Binary + " " + cmd
		if s.EnvFile != "" {
			line += " --env " + s.EnvFile
		}
		return line
	}

	lines := []string{
		"[Unit]",
		"Description=" + description,
		after,
		"",
		"[Service]",
		"Type=simple",
		"User=" + s.User,
	}
	if s.WorkingDir != "" {
		lines = append(lines, "WorkingDirectory="+s.WorkingDir)
	}
	if preCommand != "" {
		lines = append(lines, "ExecStartPre="+invocation(preCommand))
	}
	lines = append(lines,
		"ExecStart="+invocation(command),
		"Restart=on-failure",
		"RestartSec=5",
		"",
		"[Install]",
		"WantedBy=multi-user.target",
		"",
	)
	return strings.Join(lines, "\n")
}

func writeUnitFile(name, content string) error {
	unitPath := filepath.Join(systemdUnitDir, name)
	return os.WriteFile(unitPath, []byte(content), 0o644)
}

func runSystemctl(args ...string) error {
	cmd := exec.Command("systemctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

func printDaemonUsage() {
	fmt.Fprintln(os.Stderr, "issue-index daemon")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  issue-index daemon <action> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Actions:")
	fmt.Fprintln(os.Stderr, "  install     Write unit files, daemon-reload, and enable services on boot")
	fmt.Fprintln(os.Stderr, "  uninstall   Stop, disable, and remove unit files")
	fmt.Fprintln(os.Stderr, "  start       Start the schedule and serve services")
	fmt.Fprintln(os.Stderr, "  stop        Stop both services")
	fmt.Fprintln(os.Stderr, "  restart     Restart both services")
	fmt.Fprintln(os.Stderr, "  status      Show status for both services")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Install flags:")
	fmt.Fprintln(os.Stderr, "  --user <name>      Service user (default: $USER)")
	fmt.Fprintln(os.Stderr, "  --port <n>         Read API port (default: 8090)")
	fmt.Fprintln(os.Stderr, "  --env-file <path>  .env file for both services")
	fmt.Fprintln(os.Stderr, "  --binary <path>    issue-index binary (default: /usr/local/bin/issue-index)")
}
