package conflict

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a place cannot be resolved with enough
// confidence. It is a per-mention outcome, never fatal.
var ErrNotFound = errors.New("geocode: not found")

// TransientProviderError covers timeouts, 5xx and throttling responses.
// Callers retry with backoff and then degrade to NotFound or a harvest gap.
type TransientProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient error: %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// PermanentProviderError covers auth and quota failures. It aborts the run
// for that provider and is surfaced to the caller.
type PermanentProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *PermanentProviderError) Error() string {
	return fmt.Sprintf("%s: permanent error (status %d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *PermanentProviderError) Unwrap() error { return e.Err }

// ExtractionModelError means entity extraction could not process a document.
type ExtractionModelError struct {
	DocumentID string
	Err        error
}

func (e *ExtractionModelError) Error() string {
	return fmt.Sprintf("extract document %s: %v", e.DocumentID, e.Err)
}

func (e *ExtractionModelError) Unwrap() error { return e.Err }

// MalformedDocumentError lists the required fields a document lacks.
type MalformedDocumentError struct {
	DocumentID string
	Fields     []string
}

func (e *MalformedDocumentError) Error() string {
	return fmt.Sprintf("malformed document %q: missing %s", e.DocumentID, strings.Join(e.Fields, ", "))
}

// ConfigurationError is raised before any network call is made.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// GapError records a provider page that was skipped after retries. The
// harvest for the window is partial, not aborted.
type GapError struct {
	Source string
	Page   string
	Err    error
}

func (e *GapError) Error() string {
	return fmt.Sprintf("%s: skipped page %s: %v", e.Source, e.Page, e.Err)
}

func (e *GapError) Unwrap() error { return e.Err }

// Reasons a provider item is filtered before it becomes a document.
const (
	FilterRemoved       = "removed"
	FilterMissingURL    = "missing_url"
	FilterMissingTitle  = "missing_title"
	FilterOutsideWindow = "outside_window"
)

// FilteredDocumentError reports a provider item dropped by an adapter. The
// harvest is not partial; the item is counted and skipped.
type FilteredDocumentError struct {
	Source string
	URL    string
	Reason string
}

func (e *FilteredDocumentError) Error() string {
	return fmt.Sprintf("%s: filtered item %q: %s", e.Source, e.URL, e.Reason)
}

// IsPermanent reports whether err carries a PermanentProviderError.
func IsPermanent(err error) bool {
	var p *PermanentProviderError
	return errors.As(err, &p)
}

// IsTransient reports whether err carries a TransientProviderError.
func IsTransient(err error) bool {
	var t *TransientProviderError
	return errors.As(err, &t)
}
