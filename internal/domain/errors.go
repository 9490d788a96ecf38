package domain

import "fmt"

// ConfigError reports an invalid configuration value. It is fatal at
// startup: nothing runs with a config that fails validation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// EmbeddingError wraps a failure of the embedding backend after the
// call-level retries are exhausted.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string { return "embedding: " + e.Err.Error() }
func (e *EmbeddingError) Unwrap() error { return e.Err }

// IndexError wraps a failure of the vector index backend.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string { return fmt.Sprintf("index %s: %v", e.Op, e.Err) }
func (e *IndexError) Unwrap() error { return e.Err }

// GenerationError wraps a failure of the generation or rerank backend.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return "generation: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// MissingAnswerFieldError means no recognized answer field was present
// in a generation response. Non-retryable; surfaced to the query
// caller, never defaulted to an empty string.
type MissingAnswerFieldError struct {
	Checked []string
}

func (e *MissingAnswerFieldError) Error() string {
	return fmt.Sprintf("generation response has no answer field (checked %v)", e.Checked)
}
