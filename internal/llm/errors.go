package llm

import "fmt"

// GenerationError is the only error type returned by Router.Generate.
type GenerationError struct {
	Provider ProviderType
	Model    string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation failed for model %s: %v", e.Provider, e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
