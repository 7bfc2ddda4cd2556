// Package research provides the concrete stages of a risk research run: a
// news search that gathers raw material and an LLM analysis that scores it.
package research

import (
	"context"
	"errors"

	"riskwatch/internal/pipeline"
)

// Poster is the provider transport used by the stages
type Poster interface {
	PostJSON(ctx context.Context, endpoint string, query map[string]string, payload, out interface{}) error
}

// KeyFunc resolves a provider API key at call time
type KeyFunc func() (string, error)

// StaticKey returns a KeyFunc that always yields key
func StaticKey(key string) KeyFunc {
	return func() (string, error) { return key, nil }
}

type temporary interface {
	Temporary() bool
}

// classify marks transient provider errors retryable
func classify(err error) error {
	var t temporary
	if errors.As(err, &t) && t.Temporary() {
		return pipeline.RetryableErr(err)
	}
	return err
}

// Stages returns the researcher and analyst stages in execution order
func Stages(search Poster, searchOpts SearchOptions, llm Poster, llmOpts AnalystOptions) []pipeline.Stage {
	return []pipeline.Stage{
		Researcher(search, searchOpts),
		Analyst(llm, llmOpts),
	}
}
