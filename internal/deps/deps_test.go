package deps_test

import (
	"testing"

	"syntheme/internal/deps"
	"syntheme/internal/testsupport"
)

func TestCheckBinariesFindsStubs(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())

	statuses := deps.CheckBinaries(deps.Requirements(cfg))
	if len(statuses) != 2 {
		t.Fatalf("unexpected status count: %d", len(statuses))
	}
	for _, status := range statuses {
		if !status.Available {
			t.Errorf("%s should be available: %s", status.Name, status.Detail)
		}
	}
}

func TestCheckBinariesReportsMissing(t *testing.T) {
	statuses := deps.CheckBinaries([]deps.Requirement{
		{Name: "Ghost", Command: "definitely-not-a-real-binary-7319"},
		{Name: "Blank", Command: "  "},
	})
	if statuses[0].Available || statuses[0].Detail == "" {
		t.Fatalf("expected missing binary detail, got %#v", statuses[0])
	}
	if statuses[1].Available || statuses[1].Detail != "command not configured" {
		t.Fatalf("expected unconfigured detail, got %#v", statuses[1])
	}
}
