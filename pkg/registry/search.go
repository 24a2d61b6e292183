package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	// DefaultSearchLimit applies when the caller passes a non-positive limit.
	DefaultSearchLimit = 4
	// MaxSearchLimit caps the number of results per query.
	MaxSearchLimit = 10

	summaryToolNames = 6
)

// SearchResult is one scored catalog candidate.
type SearchResult struct {
	Name        string
	DisplayName string
	Description string
	ToolCount   int
	Similarity  float64
	Distance    float64
	Summary     string
}

// Search scores the indexed servers against query. With a configured
// embedder and a successful query embedding it ranks by cosine similarity
// over servers carrying vectors; otherwise it falls back to weighted
// keyword scoring. Limit is clamped to [1, MaxSearchLimit].
func (r *Registry) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	idx, err := r.Index()
	if err != nil {
		return nil, err
	}
	if len(idx.Servers) == 0 {
		return nil, nil
	}

	var results []SearchResult
	if r.opts.Embedder != nil {
		queryVec, embedErr := r.opts.Embedder.Embed(ctx, query)
		if embedErr != nil {
			r.opts.Logger.Warn("query embedding failed, using keyword fallback", "err", embedErr)
		} else {
			results = scoreByEmbedding(idx.Servers, queryVec)
		}
	}
	if results == nil {
		results = scoreByKeywords(idx.Servers, query)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Name < results[j].Name
	})
	if len(results) > limit {
		results = results[:limit]
	}
	for i := range results {
		results[i].Summary = summarize(idx.Servers, results[i])
	}
	return results, nil
}

func scoreByEmbedding(servers []IndexedServer, queryVec []float32) []SearchResult {
	out := make([]SearchResult, 0, len(servers))
	for _, srv := range servers {
		if len(srv.Embedding) == 0 {
			continue
		}
		sim := CosineSimilarity(queryVec, srv.Embedding)
		sim = clamp01(sim)
		out = append(out, SearchResult{
			Name:        srv.Name,
			DisplayName: srv.DisplayName,
			Description: srv.OriginalDescription,
			ToolCount:   srv.ToolCount,
			Similarity:  sim,
			Distance:    1 - sim,
		})
	}
	return out
}

// Keyword weights; the accumulated score is normalized by dividing by 100
// and clamping into [0, 1].
const (
	weightExactName    = 100
	weightDisplayName  = 50
	weightSummary      = 40
	weightUseCase      = 30
	weightToolName     = 20
	weightToolDesc     = 15
	weightSummaryWord  = 10
	minQueryWordLength = 3
)

func scoreByKeywords(servers []IndexedServer, query string) []SearchResult {
	q := strings.ToLower(strings.TrimSpace(query))
	words := queryWords(q)
	out := make([]SearchResult, 0, len(servers))
	for _, srv := range servers {
		score := 0
		name := strings.ToLower(srv.Name)
		display := strings.ToLower(srv.DisplayName)
		summary := strings.ToLower(srv.AISummary)
		if q == name {
			score += weightExactName
		}
		if q != "" && strings.Contains(display, q) {
			score += weightDisplayName
		}
		if q != "" && strings.Contains(summary, q) {
			score += weightSummary
		}
		for _, uc := range srv.AIUseCases {
			if q != "" && strings.Contains(strings.ToLower(uc), q) {
				score += weightUseCase
			}
		}
		for _, tool := range srv.ToolDescriptions {
			if q != "" && strings.Contains(strings.ToLower(tool.Name), q) {
				score += weightToolName
			}
			if q != "" && strings.Contains(strings.ToLower(tool.Description), q) {
				score += weightToolDesc
			}
		}
		for _, word := range words {
			if strings.Contains(summary, word) {
				score += weightSummaryWord
			}
		}
		sim := clamp01(float64(score) / 100)
		out = append(out, SearchResult{
			Name:        srv.Name,
			DisplayName: srv.DisplayName,
			Description: srv.OriginalDescription,
			ToolCount:   srv.ToolCount,
			Similarity:  sim,
			Distance:    1 - sim,
		})
	}
	return out
}

func queryWords(q string) []string {
	var out []string
	for _, w := range strings.Fields(q) {
		if len(w) >= minQueryWordLength {
			out = append(out, w)
		}
	}
	return out
}

// summarize builds the one-line result text: display name, rounded percent
// match, description, and the first few tool names.
func summarize(servers []IndexedServer, res SearchResult) string {
	pct := int(math.Round(res.Similarity * 100))
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d%% match)", res.DisplayName, pct)
	if res.Description != "" {
		fmt.Fprintf(&b, ": %s", res.Description)
	}
	for _, srv := range servers {
		if srv.Name != res.Name || len(srv.ToolDescriptions) == 0 {
			continue
		}
		names := make([]string, 0, summaryToolNames)
		for _, tool := range srv.ToolDescriptions {
			if len(names) == summaryToolNames {
				break
			}
			names = append(names, tool.Name)
		}
		fmt.Fprintf(&b, ". Tools: %s", strings.Join(names, ", "))
		if extra := len(srv.ToolDescriptions) - len(names); extra > 0 {
			fmt.Fprintf(&b, ", +%d more", extra)
		}
		break
	}
	return b.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
