package backends

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestKind(t *testing.T) {
	t.Parallel()

	if got := Kind(&StdioServerConfig{Command: "npx"}); got != TransportStdio {
		t.Fatalf("stdio kind = %s", got)
	}
	if got := Kind(&SSEServerConfig{URL: "http://example.test/sse"}); got != TransportSSE {
		t.Fatalf("sse kind = %s", got)
	}
	if got := Kind(&HTTPServerConfig{URL: "http://example.test/mcp"}); got != TransportHTTP {
		t.Fatalf("http kind = %s", got)
	}
}

func TestAsStdio(t *testing.T) {
	t.Parallel()

	cfg := &StdioServerConfig{Command: "uvx", Args: []string{"server"}}
	narrowed, ok := AsStdio(cfg)
	if !ok || narrowed.Command != "uvx" {
		t.Fatalf("AsStdio lost the config: %v %#v", ok, narrowed)
	}
	if _, ok := AsStdio(&HTTPServerConfig{URL: "http://example.test"}); ok {
		t.Fatalf("AsStdio accepted an http config")
	}
}

func TestEqual(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b ServerConfig
		want bool
	}{
		{
			"same stdio",
			&StdioServerConfig{Command: "npx", Args: []string{"a", "b"}, Env: map[string]string{"K": "v"}},
			&StdioServerConfig{Command: "npx", Args: []string{"a", "b"}, Env: map[string]string{"K": "v"}},
			true,
		},
		{
			"stdio arg mismatch",
			&StdioServerConfig{Command: "npx", Args: []string{"a"}},
			&StdioServerConfig{Command: "npx", Args: []string{"b"}},
			false,
		},
		{
			"stdio env mismatch",
			&StdioServerConfig{Command: "npx", Env: map[string]string{"K": "v"}},
			&StdioServerConfig{Command: "npx", Env: map[string]string{"K": "w"}},
			false,
		},
		{
			"same http",
			&HTTPServerConfig{URL: "http://example.test/mcp", Headers: map[string]string{"Authorization": "Bearer x"}},
			&HTTPServerConfig{URL: "http://example.test/mcp", Headers: map[string]string{"Authorization": "Bearer x"}},
			true,
		},
		{
			"http url mismatch",
			&HTTPServerConfig{URL: "http://a.test"},
			&HTTPServerConfig{URL: "http://b.test"},
			false,
		},
		{
			"cross transport",
			&SSEServerConfig{URL: "http://example.test"},
			&HTTPServerConfig{URL: "http://example.test"},
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Equal(tc.a, tc.b); got != tc.want {
				t.Fatalf("Equal = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDecorateHTTPClientInjectsHeaders(t *testing.T) {
	t.Parallel()

	var seenAuth, seenCustom string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	client := decorateHTTPClient(server.Client(), map[string]string{
		"Authorization": "Bearer token",
		"X-Custom":      "yes",
	})
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if seenAuth != "Bearer token" || seenCustom != "yes" {
		t.Fatalf("headers not injected: auth=%q custom=%q", seenAuth, seenCustom)
	}
}

func TestDecorateHTTPClientKeepsExplicitHeaders(t *testing.T) {
	t.Parallel()

	var seen string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	client := decorateHTTPClient(server.Client(), map[string]string{"Authorization": "Bearer injected"})
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer explicit")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if seen != "Bearer explicit" {
		t.Fatalf("explicit header overridden: %q", seen)
	}
}

func TestDecorateHTTPClientNoHeaders(t *testing.T) {
	t.Parallel()

	if got := decorateHTTPClient(nil, nil); got != http.DefaultClient {
		t.Fatalf("expected default client passthrough")
	}
	base := &http.Client{}
	if got := decorateHTTPClient(base, nil); got != base {
		t.Fatalf("expected identity passthrough")
	}
}
