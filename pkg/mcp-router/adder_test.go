package mcprouter

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/vikashloomba/mcp-router-go/pkg/registry"
)

func TestSpliceArgs(t *testing.T) {
	t.Parallel()

	entry := &registry.CatalogEntry{
		StaticArgs: []string{"-y", "server-files"},
		ArgumentRequirements: []registry.ArgumentRequirement{
			{Name: "mode", Position: 1},
			{Name: "path", Position: 2},
			{Name: "extra", Position: 9},
		},
	}

	if got := spliceArgs(entry, nil); !reflect.DeepEqual(got, []string{"-y", "server-files"}) {
		t.Fatalf("no user args: %v", got)
	}

	got := spliceArgs(entry, map[string]string{"path": "/data", "mode": "ro", "extra": "tail"})
	want := []string{"-y", "ro", "/data", "server-files", "tail"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("spliced = %v, want %v", got, want)
	}

	// Empty values are skipped entirely.
	got = spliceArgs(entry, map[string]string{"path": ""})
	if !reflect.DeepEqual(got, []string{"-y", "server-files"}) {
		t.Fatalf("empty value spliced: %v", got)
	}

	fallback := &registry.CatalogEntry{
		Args:                 []string{"run"},
		ArgumentRequirements: []registry.ArgumentRequirement{{Name: "target", Position: 1}},
	}
	got = spliceArgs(fallback, map[string]string{"target": "prod"})
	if !reflect.DeepEqual(got, []string{"run", "prod"}) {
		t.Fatalf("args fallback = %v", got)
	}
}

func TestMissingArguments(t *testing.T) {
	t.Parallel()

	entry := &registry.CatalogEntry{
		ArgumentRequirements: []registry.ArgumentRequirement{
			{Name: "optional", Required: false, Position: 0},
			{Name: "second", Required: true, Position: 3},
			{Name: "first", Required: true, Position: 1},
			{Name: "given", Required: true, Position: 2},
		},
	}

	missing := missingArguments(entry, map[string]string{"given": "value", "second": ""})
	if len(missing) != 2 {
		t.Fatalf("missing = %#v", missing)
	}
	if missing[0].Name != "first" || missing[1].Name != "second" {
		t.Fatalf("not ordered by position: %#v", missing)
	}

	if got := missingArguments(entry, map[string]string{"first": "a", "given": "b", "second": "c"}); len(got) != 0 {
		t.Fatalf("satisfied entry reported missing: %#v", got)
	}
}

func TestAdderValidationOutcomes(t *testing.T) {
	t.Parallel()

	catalog := `{
  "fs": {
    "command": "npx",
    "staticArgs": ["-y", "server-fs"],
    "argumentRequirements": [
      {"name": "path", "description": "root directory", "required": true, "position": 2}
    ]
  },
  "api": {
    "command": "npx",
    "authRequirements": [{"name": "ADDER_TEST_API_KEY", "description": "service token"}]
  }
}`
	router, _ := newTestRouter(t, catalog, "", nil)
	ctx := context.Background()

	outcome, err := router.adder.add(ctx, "ghost", nil)
	if err != nil {
		t.Fatalf("add ghost: %v", err)
	}
	if outcome.Status != statusUnknownServer || !outcome.failed() {
		t.Fatalf("ghost outcome = %+v", outcome)
	}
	if !reflect.DeepEqual(outcome.KnownServers, []string{"api", "fs"}) {
		t.Fatalf("known servers = %v", outcome.KnownServers)
	}

	outcome, err = router.adder.add(ctx, "fs", nil)
	if err != nil {
		t.Fatalf("add fs: %v", err)
	}
	if outcome.Status != statusNeedsArguments || len(outcome.Arguments) != 1 || outcome.Arguments[0].Name != "path" {
		t.Fatalf("fs outcome = %+v", outcome)
	}

	outcome, err = router.adder.add(ctx, "api", nil)
	if err != nil {
		t.Fatalf("add api: %v", err)
	}
	if outcome.Status != statusNeedsAuth || len(outcome.Auth) != 1 || outcome.Auth[0].Name != "ADDER_TEST_API_KEY" {
		t.Fatalf("api outcome = %+v", outcome)
	}
	if active := router.ActiveSet().Active(); len(active) != 0 {
		t.Fatalf("validation failures touched the active set: %v", active)
	}
}

func TestAdmitKnownReportsValidationAsErrors(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, `{"known": {"command": "npx"}}`, "", nil)
	err := router.adder.admitKnown(context.Background(), "ghost")
	if err == nil || !strings.Contains(err.Error(), statusUnknownServer) {
		t.Fatalf("admitKnown(ghost) = %v", err)
	}
}

func TestAdderStoredCredentialsSatisfyAuth(t *testing.T) {
	t.Parallel()

	downstream := newEchoDownstream(t, "secured")
	catalog := `{"secured": {"remote": "` + downstream.URL + `", "authRequirements": [{"name": "SECURED_TEST_TOKEN"}]}}`
	router, _ := newTestRouter(t, catalog, "", nil)
	ctx := context.Background()

	outcome, err := router.adder.add(ctx, "secured", nil)
	if err != nil {
		t.Fatalf("add without credentials: %v", err)
	}
	if outcome.Status != statusNeedsAuth {
		t.Fatalf("outcome = %+v", outcome)
	}

	if err := router.registry.Auth().Store("secured", map[string]string{"SECURED_TEST_TOKEN": "tok"}); err != nil {
		t.Fatalf("store credentials: %v", err)
	}
	outcome, err = router.adder.add(ctx, "secured", nil)
	if err != nil {
		t.Fatalf("add with credentials: %v", err)
	}
	if outcome.Status != statusAdded || outcome.ToolCount != 1 {
		t.Fatalf("outcome = %+v", outcome)
	}
}
