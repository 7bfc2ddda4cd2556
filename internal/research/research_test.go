package research

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskwatch/internal/api"
	"riskwatch/internal/errs"
	"riskwatch/internal/pipeline"
)

func newSearchServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		var req searchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "search-key", req.APIKey)
		assert.Equal(t, "news", req.Topic)
		assert.Equal(t, "advanced", req.SearchDepth)
		assert.Equal(t, 5, req.MaxResults)
		assert.Contains(t, req.Query, "Automotive")

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[
			{"url":"https://news.example/a","title":"Port strike","content":"Dock workers walk out"},
			{"url":"https://news.example/b","title":"Chip shortage","content":"Foundries behind schedule"}
		]}`))
	}))
}

func newLLMServer(t *testing.T, analysisJSON string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/test-model:generateContent", r.URL.Path)
		assert.Equal(t, "llm-key", r.URL.Query().Get("key"))
		var req generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "application/json", req.GenerationConfig.ResponseMimeType)
		if assert.Len(t, req.Contents, 1) {
			assert.True(t, strings.HasPrefix(req.Contents[0].Parts[0].Text, "Data: "))
		}

		resp := map[string]interface{}{
			"candidates": []interface{}{
				map[string]interface{}{
					"content": map[string]interface{}{
						"parts": []interface{}{map[string]string{"text": analysisJSON}},
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

const goodAnalysis = `{
	"executive_summary": "Labor unrest threatens Q3 output.",
	"fragility_score": 8,
	"risk_metrics": [{"category": "Labor", "impact_score": 7, "description": "Port strike"}],
	"critical_alerts": ["Port strike in Antwerp", "Port strike in Antwerp"]
}`

func buildPipeline(t *testing.T, searchURL, llmURL string) *pipeline.Pipeline {
	t.Helper()
	stages := Stages(
		api.NewClient(searchURL, api.Options{}), SearchOptions{APIKey: StaticKey("search-key"), MaxResults: 5},
		api.NewClient(llmURL, api.Options{}), AnalystOptions{APIKey: StaticKey("llm-key"), Model: "test-model"},
	)
	p, err := pipeline.New(stages, pipeline.WithFinisher(pipeline.Synthesize(8, "")))
	require.NoError(t, err)
	return p
}

func TestStages(t *testing.T) {
	ctx := context.Background()

	t.Run("Should research and analyze a subject end to end", func(t *testing.T) {
		search := newSearchServer(t, http.StatusOK)
		defer search.Close()
		llm := newLLMServer(t, goodAnalysis)
		defer llm.Close()

		out, err := buildPipeline(t, search.URL, llm.URL).Run(ctx, "Automotive", nil)
		require.NoError(t, err)

		assert.Contains(t, out.RawData, "Source: https://news.example/a\nContent: Dock workers walk out")
		require.Len(t, out.Sources, 2)
		assert.Equal(t, "Chip shortage", out.Sources[1].Title)
		assert.Equal(t, "Labor unrest threatens Q3 output.", out.Summary)
		assert.Equal(t, 8, out.Severity)
		require.Len(t, out.Findings, 1)
		assert.Equal(t, 7, out.Findings[0].Impact)
		assert.Equal(t, []string{pipeline.DefaultUrgencyMarker, "Port strike in Antwerp"}, out.Alerts)
	})

	t.Run("Should mark provider outages retryable", func(t *testing.T) {
		search := newSearchServer(t, http.StatusServiceUnavailable)
		defer search.Close()

		_, err := buildPipeline(t, search.URL, "http://unused").Run(ctx, "Automotive", nil)
		var sf *pipeline.StageFailure
		require.ErrorAs(t, err, &sf)
		assert.Equal(t, "researcher", sf.Stage)
		assert.True(t, sf.Retryable)
	})

	t.Run("Should reject out of range scores permanently", func(t *testing.T) {
		search := newSearchServer(t, http.StatusOK)
		defer search.Close()
		llm := newLLMServer(t, `{"executive_summary":"x","fragility_score":12,"risk_metrics":[],"critical_alerts":[]}`)
		defer llm.Close()

		_, err := buildPipeline(t, search.URL, llm.URL).Run(ctx, "Automotive", nil)
		var sf *pipeline.StageFailure
		require.ErrorAs(t, err, &sf)
		assert.Equal(t, "analyst", sf.Stage)
		assert.False(t, sf.Retryable)
		assert.Contains(t, err.Error(), "out of range")
	})

	t.Run("Should reject malformed model output permanently", func(t *testing.T) {
		search := newSearchServer(t, http.StatusOK)
		defer search.Close()
		llm := newLLMServer(t, `not json`)
		defer llm.Close()

		_, err := buildPipeline(t, search.URL, llm.URL).Run(ctx, "Automotive", nil)
		require.Error(t, err)
		assert.False(t, pipeline.IsRetryable(err))
		assert.Contains(t, err.Error(), "malformed")
	})

	t.Run("Should fail without a provider key", func(t *testing.T) {
		stage := Researcher(api.NewClient("http://unused", api.Options{}), SearchOptions{
			APIKey: func() (string, error) {
				return "", errs.Ef(errs.Configuration, "api key", "TAVILY_API_KEY is not set")
			},
		})
		_, err := stage.Run(ctx, pipeline.Context{Subject: "Energy"})
		assert.True(t, errs.Is(err, errs.Configuration))
		assert.False(t, pipeline.IsRetryable(err))
	})
}
