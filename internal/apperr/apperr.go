// Package apperr defines the named error kinds the job processor and
// schedule ticker branch on, so they can choose between retry, terminal
// failure and silent drop without string-matching messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a sentinel the processor checks with errors.Is.
type Kind struct {
	name string
}

func (k *Kind) Error() string { return k.name }

var (
	ErrReadEndpointIsPrimary         = &Kind{"read endpoint resolves to writable primary"}
	ErrSourceCollectionNotAllowed    = &Kind{"source collection not allowed"}
	ErrReduceValidation              = &Kind{"reduce spec validation failed"}
	ErrReduceCardinalityExceeded     = &Kind{"reduce cardinality exceeded"}
	ErrDocumentRowLimitExceeded      = &Kind{"document row limit exceeded"}
	ErrSnapshotSizeExceeded          = &Kind{"snapshot size exceeded"}
	ErrArchiveRequiresIncludeFormats = &Kind{"archive requires includeFormats"}
	ErrIncludeFormatsNotAllowed      = &Kind{"includeFormats not allowed unless format is archive"}
	ErrDuplicateIncludeFormats       = &Kind{"duplicate includeFormats entries"}
	ErrCompressionArchiveConflict    = &Kind{"compression zip conflicts with archive format"}
	ErrIntegrationRequiredFailure    = &Kind{"required storage integration failed"}
	ErrIntegrationOptionalFailure    = &Kind{"optional storage integration failed"}
	ErrNotFound                      = &Kind{"not found"}
)

// Wrap attaches context to a sentinel kind the way the rest of the
// codebase wraps stdlib errors, keeping errors.Is/As usable on the result.
func Wrap(kind *Kind, msg string) error {
	return fmt.Errorf("%s: %w", msg, kind)
}

// Wrapf is Wrap with fmt.Sprintf-style formatting of msg.
func Wrapf(kind *Kind, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// Is reports whether err (or something it wraps) is the given kind.
func Is(err error, kind *Kind) bool {
	return errors.Is(err, kind)
}
