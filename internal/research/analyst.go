package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"riskwatch/internal/models"
	"riskwatch/internal/pipeline"
)

// AnalystOptions configures the analyst stage
type AnalystOptions struct {
	APIKey KeyFunc
	Model  string
}

// analysis is the structured output requested from the model
type analysis struct {
	ExecutiveSummary string           `json:"executive_summary"`
	FragilityScore   int              `json:"fragility_score"`
	RiskMetrics      []models.Finding `json:"risk_metrics"`
	CriticalAlerts   []string         `json:"critical_alerts"`
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	SystemInstruction content          `json:"systemInstruction"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	Temperature      float64                `json:"temperature"`
	ResponseMimeType string                 `json:"responseMimeType"`
	ResponseSchema   map[string]interface{} `json:"responseSchema"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

var analysisSchema = map[string]interface{}{
	"type": "OBJECT",
	"properties": map[string]interface{}{
		"executive_summary": map[string]interface{}{"type": "STRING"},
		"fragility_score":   map[string]interface{}{"type": "INTEGER"},
		"risk_metrics": map[string]interface{}{
			"type": "ARRAY",
			"items": map[string]interface{}{
				"type": "OBJECT",
				"properties": map[string]interface{}{
					"category":     map[string]interface{}{"type": "STRING"},
					"impact_score": map[string]interface{}{"type": "INTEGER"},
					"description":  map[string]interface{}{"type": "STRING"},
				},
				"required": []string{"category", "impact_score", "description"},
			},
		},
		"critical_alerts": map[string]interface{}{
			"type":  "ARRAY",
			"items": map[string]interface{}{"type": "STRING"},
		},
	},
	"required": []string{"executive_summary", "fragility_score", "risk_metrics", "critical_alerts"},
}

func systemPrompt(subject string) string {
	return fmt.Sprintf(`You are a senior supply chain risk analyst briefing an executive team.
Analyze the research provided about the %s industry.
Identify specific disruptions such as strikes, shortages and delays.
Rate overall fragility from 1 (resilient) to 10 (critical).
Categorize each risk as Logistics, Labor or Geopolitical with an impact from 1 to 10.
Write a short executive summary and list the alerts that need attention.`, subject)
}

// Analyst scores the researched material and produces summary, severity,
// findings and alerts. Output outside the 1-10 scales is a permanent failure.
func Analyst(client Poster, opts AnalystOptions) pipeline.Stage {
	return pipeline.Stage{
		Name:     "analyst",
		Requires: []pipeline.Field{pipeline.FieldSubject, pipeline.FieldRawData},
		Produces: []pipeline.Field{pipeline.FieldSummary, pipeline.FieldSeverity, pipeline.FieldFindings, pipeline.FieldAlerts},
		Run: func(ctx context.Context, in pipeline.Context) (pipeline.Partial, error) {
			var out pipeline.Partial
			key, err := opts.APIKey()
			if err != nil {
				return out, err
			}

			req := generateRequest{
				SystemInstruction: content{Parts: []part{{Text: systemPrompt(in.Subject)}}},
				Contents:          []content{{Role: "user", Parts: []part{{Text: "Data: " + in.RawData}}}},
				GenerationConfig: generationConfig{
					Temperature:      0,
					ResponseMimeType: "application/json",
					ResponseSchema:   analysisSchema,
				},
			}
			endpoint := fmt.Sprintf("v1beta/models/%s:generateContent", opts.Model)
			var resp generateResponse
			if err := client.PostJSON(ctx, endpoint, map[string]string{"key": key}, req, &resp); err != nil {
				return out, classify(fmt.Errorf("analysis request failed: %w", err))
			}

			result, err := decodeAnalysis(resp)
			if err != nil {
				return out, err
			}

			out.SetSummary(strings.TrimSpace(result.ExecutiveSummary)).
				SetSeverity(result.FragilityScore).
				SetFindings(result.RiskMetrics).
				SetAlerts(result.CriticalAlerts)
			return out, nil
		},
	}
}

func decodeAnalysis(resp generateResponse) (*analysis, error) {
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("model returned no candidates")
	}

	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}

	var a analysis
	if err := json.Unmarshal([]byte(text.String()), &a); err != nil {
		return nil, fmt.Errorf("model returned malformed analysis: %w", err)
	}
	if a.FragilityScore < 1 || a.FragilityScore > 10 {
		return nil, fmt.Errorf("fragility score %d out of range [1,10]", a.FragilityScore)
	}
	for _, f := range a.RiskMetrics {
		if f.Impact < 1 || f.Impact > 10 {
			return nil, fmt.Errorf("impact score %d for %q out of range [1,10]", f.Impact, f.Category)
		}
	}
	return &a, nil
}
