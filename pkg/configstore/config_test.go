package configstore

import (
	"reflect"
	"testing"

	"github.com/vikashloomba/mcp-router-go/pkg/backends"
)

func TestToServerConfig(t *testing.T) {
	t.Parallel()

	stdio, err := ToServerConfig(TransportSpec{Type: TransportCommand, Command: "npx", Args: []string{"x"}, Env: map[string]string{"K": "v"}})
	if err != nil {
		t.Fatalf("command spec: %v", err)
	}
	sc, ok := backends.AsStdio(stdio)
	if !ok || sc.Command != "npx" || sc.Env["K"] != "v" {
		t.Fatalf("stdio conversion lost fields: %#v", stdio)
	}

	sse, err := ToServerConfig(TransportSpec{Type: TransportSSE, URL: "https://s.test/sse"})
	if err != nil {
		t.Fatalf("sse spec: %v", err)
	}
	if backends.Kind(sse) != backends.TransportSSE {
		t.Fatalf("sse kind = %s", backends.Kind(sse))
	}

	httpCfg, err := ToServerConfig(TransportSpec{Type: TransportHTTP, URL: "https://h.test/mcp", Headers: map[string]string{"Authorization": "Bearer x"}})
	if err != nil {
		t.Fatalf("http spec: %v", err)
	}
	if backends.Kind(httpCfg) != backends.TransportHTTP {
		t.Fatalf("http kind = %s", backends.Kind(httpCfg))
	}

	for _, spec := range []TransportSpec{
		{Type: TransportCommand},
		{Type: TransportSSE},
		{Type: TransportHTTP},
		{Type: "carrier-pigeon"},
	} {
		if _, err := ToServerConfig(spec); err == nil {
			t.Fatalf("spec %#v should be rejected", spec)
		}
	}
}

func TestFromServerConfigRoundTrip(t *testing.T) {
	t.Parallel()

	specs := []TransportSpec{
		{Type: TransportCommand, Command: "uvx", Args: []string{"a", "b"}, Env: map[string]string{"K": "v"}},
		{Type: TransportSSE, URL: "https://s.test/sse", Headers: map[string]string{"X-Key": "k"}},
		{Type: TransportHTTP, URL: "https://h.test/mcp"},
	}
	for _, want := range specs {
		cfg, err := ToServerConfig(want)
		if err != nil {
			t.Fatalf("to config: %v", err)
		}
		if got := FromServerConfig(cfg); !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, want)
		}
	}
}
