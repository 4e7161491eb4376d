package core

import (
	"errors"
	"strings"
)

// Errors raised while compiling or running a pipeline. The message prefix is
// the stable machine code surfaced in status records and diagnostics.
var (
	ErrCanonFloat        = errors.New("E_CANON_FLOAT: value cannot be canonicalized as a round-trippable number")
	ErrOMLInvalid        = errors.New("E_OML_INVALID: OML document failed validation")
	ErrRegDuplicate      = errors.New("E_REG_DUPLICATE: duplicate component specification")
	ErrRegUnknown        = errors.New("E_REG_UNKNOWN: unknown component")
	ErrRegBadSpec        = errors.New("E_REG_BAD_SPEC: component specification failed meta-schema validation")
	ErrConnUnknownFamily = errors.New("E_CONN_UNKNOWN_FAMILY: connection family not found in catalog")
	ErrConnUnknownAlias  = errors.New("E_CONN_UNKNOWN_ALIAS: connection alias not found in family")
	ErrConnNoDefault     = errors.New("E_CONN_NO_DEFAULT: family has no default alias")
	ErrConnMissingField  = errors.New("E_CONN_MISSING_FIELD: connection descriptor is missing a required field")
	ErrSecretLeak        = errors.New("E_SECRET_LEAK: secret value present in an artifact")
	ErrEnvMissing        = errors.New("E_ENV_MISSING: required environment variable is not set")
	ErrInputMissing      = errors.New("E_INPUT_MISSING: step input references an output that does not exist")
	ErrInputType         = errors.New("E_INPUT_TYPE: step input has an unexpected type")
	ErrStepTimeout       = errors.New("E_STEP_TIMEOUT: step exceeded its timeout")
)

// Code extracts the machine code prefix ("E_...") from an error produced by
// this package, or "" when the error carries none.
func Code(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "E_") {
		return ""
	}
	if i := strings.Index(msg, ":"); i > 0 {
		return msg[:i]
	}
	return msg
}

// IsConnectionError reports whether err stems from connection resolution, the
// failure class with its own process exit code.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnUnknownFamily) ||
		errors.Is(err, ErrConnUnknownAlias) ||
		errors.Is(err, ErrConnNoDefault) ||
		errors.Is(err, ErrConnMissingField)
}

// ErrorList collects multiple errors from a validation or build phase.
type ErrorList []error

// Add appends an error to the list if it is non-nil.
func (e *ErrorList) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// Error implements the error interface.
func (e ErrorList) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap allows errors.Is to match any error in the list.
func (e ErrorList) Unwrap() []error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Violation is a single validation finding with a JSON-path style location.
type Violation struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Suggest string `json:"suggest,omitempty"`
}

// Validation codes for OML documents.
const (
	CodeForbiddenKey     = "OML_FORBIDDEN_KEY"
	CodeMissingField     = "OML_MISSING_FIELD"
	CodeBadPattern       = "OML_BAD_PATTERN"
	CodeUnknownComponent = "OML_UNKNOWN_COMPONENT"
	CodeBadMode          = "OML_BAD_MODE"
	CodeCfgInvalid       = "OML_CFG_INVALID"
	CodeDepUnknown       = "OML_DEP_UNKNOWN"
	CodeDepCycle         = "OML_DEP_CYCLE"
	CodeInlineSecret     = "OML_INLINE_SECRET"
)
