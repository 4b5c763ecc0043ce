package cli

import "testing"

func TestRunReturnsFalseForUnknownArgs(t *testing.T) {
	if Run(nil) {
		t.Fatal("Run(nil) must return false")
	}
	if Run([]string{"serve-forever-not-a-real-subcommand"}) {
		t.Fatal("Run must return false for an unrecognized subcommand")
	}
}

func TestRunHandlesVersion(t *testing.T) {
	if !Run([]string{"version"}) {
		t.Fatal("Run must handle the version subcommand")
	}
}

func TestRunHandlesConfigCheck(t *testing.T) {
	if !Run([]string{"config-check"}) {
		t.Fatal("Run must handle the config-check subcommand with default flags")
	}
}
