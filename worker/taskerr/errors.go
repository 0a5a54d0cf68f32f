package taskerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrArtifactMissing = errors.New("artifact missing")
	ErrGeneration      = errors.New("generation error")
	ErrComposition     = errors.New("composition error")
)

// Error carries one of the sentinel kinds plus an optional cause.
// errors.Is matches both the kind and anything in the cause chain.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

func Generation(err error, format string, args ...any) error {
	return &Error{Kind: ErrGeneration, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Composition(err error, format string, args ...any) error {
	return &Error{Kind: ErrComposition, Msg: fmt.Sprintf(format, args...), Err: err}
}

// MissingArtifact names one mandatory artifact that could not be resolved.
type MissingArtifact struct {
	SceneID int
	Kind    string
	Pattern string
}

func (m MissingArtifact) String() string {
	return fmt.Sprintf("scene %d: %s missing (%s)", m.SceneID, m.Kind, m.Pattern)
}

// ArtifactMissingError reports every gap found in one pass.
type ArtifactMissingError struct {
	Missing []MissingArtifact
}

func (e *ArtifactMissingError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		parts[i] = m.String()
	}
	return fmt.Sprintf("%s: %d missing: %s", ErrArtifactMissing, len(e.Missing), strings.Join(parts, "; "))
}

func (e *ArtifactMissingError) Unwrap() error { return ErrArtifactMissing }
