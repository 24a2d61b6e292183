package registry

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestPlaceholderBackendDeterministic(t *testing.T) {
	t.Parallel()

	p := &PlaceholderBackend{Dim: 16}
	if p.Dimension() != 16 {
		t.Fatalf("Dimension = %d", p.Dimension())
	}
	a, err := p.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := p.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(a) != 16 || !reflect.DeepEqual(a, b) {
		t.Fatalf("embedding not deterministic: %v vs %v", a, b)
	}

	defaulted := &PlaceholderBackend{}
	vec, err := defaulted.Embed(context.Background(), "x")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 64 || defaulted.Dimension() != 64 {
		t.Fatalf("default dimension wrong: len=%d dim=%d", len(vec), defaulted.Dimension())
	}
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 2}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := CosineSimilarity(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("CosineSimilarity = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOpenAIBackendEmbed(t *testing.T) {
	t.Parallel()

	var gotAuth, gotPath string
	var gotReq openaiEmbedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0},
			},
		})
	}))
	t.Cleanup(server.Close)

	backend := NewOpenAIBackend(server.URL, "custom-model", "sk-test")
	t.Cleanup(func() { _ = backend.Close() })

	vec, err := backend.Embed(context.Background(), "query text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if !reflect.DeepEqual(vec, []float32{0.1, 0.2, 0.3}) {
		t.Fatalf("vector = %v", vec)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotPath != "/v1/embeddings" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotReq.Model != "custom-model" || gotReq.Input != "query text" {
		t.Fatalf("request = %#v", gotReq)
	}
}

func TestOpenAIBackendErrors(t *testing.T) {
	t.Parallel()

	rateLimited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	t.Cleanup(rateLimited.Close)
	if _, err := NewOpenAIBackend(rateLimited.URL, "", "").Embed(context.Background(), "q"); err == nil {
		t.Fatalf("expected error on non-200 status")
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": []}`))
	}))
	t.Cleanup(empty.Close)
	if _, err := NewOpenAIBackend(empty.URL, "", "").Embed(context.Background(), "q"); err == nil {
		t.Fatalf("expected error on empty data array")
	}
}

func TestOpenAIBackendDefaults(t *testing.T) {
	t.Parallel()

	backend := NewOpenAIBackend("", "", "")
	if backend.baseURL != defaultOpenAIBaseURL || backend.model != defaultOpenAIModel {
		t.Fatalf("defaults not applied: %q %q", backend.baseURL, backend.model)
	}
	if backend.Dimension() != ada002Dimension {
		t.Fatalf("dimension = %d", backend.Dimension())
	}
}
