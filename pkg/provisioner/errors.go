package provisioner

import (
	"fmt"
)

// ErrorClass classifies provisioning failures.
type ErrorClass string

const (
	// ErrorClassMissingInput means the sites collection could not be read.
	// It is logged and treated as zero sites.
	ErrorClassMissingInput ErrorClass = "missing_input"

	// ErrorClassMalformedDescriptor means a descriptor lacks an id or host,
	// or names something that cannot be used in a path or statement. The
	// descriptor is skipped and the run continues.
	ErrorClassMalformedDescriptor ErrorClass = "malformed_descriptor"

	// ErrorClassCommandFailed means an action failed. It halts the run
	// unless the action is best-effort.
	ErrorClassCommandFailed ErrorClass = "command_failed"
)

// ProvisionError is a classified error with site and action context.
type ProvisionError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Site    string     `json:"site,omitempty"`
	Action  string     `json:"action,omitempty"`
	Err     error      `json:"-"`
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Site != "" && e.Action != "":
		msg += fmt.Sprintf(" (site=%s, action=%s)", e.Site, e.Action)
	case e.Site != "":
		msg += fmt.Sprintf(" (site=%s)", e.Site)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Is matches another ProvisionError of the same class.
func (e *ProvisionError) Is(target error) bool {
	t, ok := target.(*ProvisionError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// ErrorClass returns the class label used for error metrics.
func (e *ProvisionError) ErrorClass() string {
	return string(e.Class)
}

// NewCommandFailedError wraps the failure of an action.
func NewCommandFailedError(site, action string, err error) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassCommandFailed,
		Message: "action failed",
		Site:    site,
		Action:  action,
		Err:     err,
	}
}

// NewMalformedDescriptorError describes a descriptor that cannot be
// provisioned.
func NewMalformedDescriptorError(site, message string) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassMalformedDescriptor,
		Message: message,
		Site:    site,
	}
}

// NewMissingInputError wraps a failure to read the sites collection.
func NewMissingInputError(message string, err error) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassMissingInput,
		Message: message,
		Err:     err,
	}
}
