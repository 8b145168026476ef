// Package provider abstracts the natural-language generation backends the
// cascade calls into. The concrete technology behind a provider (remote API,
// local model) is hidden behind the single Generate call shape.
package provider

import "context"

// Provider is the contract the cascade depends on. Generate must honor the
// context deadline and return a pipeline-taxonomy error (provider_timeout or
// provider_unavailable) on failure. One call, no internal retries.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt, systemContext string) (string, error)
}
