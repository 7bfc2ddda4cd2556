package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"riskwatch/internal/models"
	"riskwatch/internal/pipeline"
)

// SearchOptions configures the researcher stage
type SearchOptions struct {
	APIKey     KeyFunc
	MaxResults int
}

type searchRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	Topic       string `json:"topic"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type searchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

func searchQuery(subject string) string {
	return fmt.Sprintf("recent supply chain disruptions, port strikes, and logistics risks in %s industry", subject)
}

// Researcher searches recent news for the subject and produces raw_data and sources
func Researcher(client Poster, opts SearchOptions) pipeline.Stage {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}
	return pipeline.Stage{
		Name:     "researcher",
		Requires: []pipeline.Field{pipeline.FieldSubject},
		Produces: []pipeline.Field{pipeline.FieldRawData, pipeline.FieldSources},
		Run: func(ctx context.Context, in pipeline.Context) (pipeline.Partial, error) {
			var out pipeline.Partial
			key, err := opts.APIKey()
			if err != nil {
				return out, err
			}

			req := searchRequest{
				APIKey:      key,
				Query:       searchQuery(in.Subject),
				Topic:       "news",
				SearchDepth: "advanced",
				MaxResults:  opts.MaxResults,
			}
			var resp searchResponse
			if err := client.PostJSON(ctx, "search", nil, req, &resp); err != nil {
				return out, classify(fmt.Errorf("news search failed: %w", err))
			}
			if len(resp.Results) == 0 {
				return out, fmt.Errorf("news search returned no results for %q", in.Subject)
			}

			blocks := lo.Map(resp.Results, func(r searchResult, _ int) string {
				return fmt.Sprintf("Source: %s\nContent: %s", r.URL, r.Content)
			})
			sources := lo.Map(resp.Results, func(r searchResult, _ int) models.Source {
				return models.Source{URL: r.URL, Title: r.Title}
			})

			out.SetRawData(strings.Join(blocks, "\n\n")).SetSources(sources)
			return out, nil
		},
	}
}
