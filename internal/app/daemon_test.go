package app

import (
	"strings"
	"testing"
)

func TestBuildScheduleUnitFile(t *testing.T) {
	t.Parallel()

	unit := buildScheduleUnitFile(unitSettings{
		User:       "indexer",
		Binary:     "/opt/issue-index/bin/issue-index",
		EnvFile:    "/opt/issue-index/.env",
		WorkingDir: "/opt/issue-index",
		Port:       8090,
	})

	for _, want := range []string{
		"User=indexer",
		"WorkingDirectory=/opt/issue-index",
		"ExecStartPre=/opt/issue-index/bin/issue-index migrate --env /opt/issue-index/.env\n",
		"ExecStart=/opt/issue-index/bin/issue-index schedule --env /opt/issue-index/.env",
		"After=network.target postgresql.service\n",
		"WantedBy=multi-user.target",
	} {
		if !strings.Contains(unit, want) {
			t.Fatalf("schedule unit missing %q:\n%s", want, unit)
		}
	}
}

func TestBuildServeUnitFile_WithoutEnvFile(t *testing.T) {
	t.Parallel()

	unit := buildServeUnitFile(unitSettings{
		User:   "root",
		Binary: "/usr/local/bin/issue-index",
		Port:   9000,
	})

	if !strings.Contains(unit, "ExecStart=/usr/local/bin/issue-index serve --host 0.0.0.0 --port 9000\n") {
		t.Fatalf("unexpected ExecStart:\n%s", unit)
	}
	if strings.Contains(unit, "--env") {
		t.Fatalf("serve unit should not pass --env:\n%s", unit)
	}
	if strings.Contains(unit, "WorkingDirectory=") {
		t.Fatalf("serve unit should not set WorkingDirectory:\n%s", unit)
	}
	if strings.Contains(unit, "ExecStartPre=") {
		t.Fatalf("serve unit must not migrate the schema:\n%s", unit)
	}
	if !strings.Contains(unit, daemonScheduleUnitName) {
		t.Fatalf("serve unit should order after %s:\n%s", daemonScheduleUnitName, unit)
	}
}

func TestResolveUnitSettings(t *testing.T) {
	t.Parallel()

	settings, err := resolveUnitSettings(" indexer ", "/usr/local/bin/issue-index", "/srv/issue-index/prod.env", 8090)
	if err != nil {
		t.Fatalf("resolveUnitSettings() error = %v", err)
	}
	if settings.User != "indexer" {
		t.Fatalf("User = %q, want indexer", settings.User)
	}
	if settings.WorkingDir != "/srv/issue-index" {
		t.Fatalf("WorkingDir = %q, want /srv/issue-index", settings.WorkingDir)
	}

	if _, err := resolveUnitSettings("root", "  ", "", 8090); err == nil {
		t.Fatal("expected error for empty binary")
	}
}

func TestSystemctlArgs(t *testing.T) {
	t.Parallel()

	got := strings.Join(systemctlArgs("status"), " ")
	want := "status --no-pager issue-index-schedule.service issue-index-serve.service"
	if got != want {
		t.Fatalf("systemctlArgs(status) = %q, want %q", got, want)
	}

	got = strings.Join(systemctlArgs("restart"), " ")
	want = "restart issue-index-schedule.service issue-index-serve.service"
	if got != want {
		t.Fatalf("systemctlArgs(restart) = %q, want %q", got, want)
	}
}

func TestValidatePort(t *testing.T) {
	t.Parallel()

	if err := validatePort(8090, "--port"); err != nil {
		t.Fatalf("validatePort(8090) error = %v", err)
	}
	for _, port := range []int{0, -1, 65536} {
		if err := validatePort(port, "--port"); err == nil {
			t.Fatalf("validatePort(%d) expected error", port)
		}
	}
}
