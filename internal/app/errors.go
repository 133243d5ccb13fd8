package app

import "errors"

var (
	// ErrAccessDenied covers both "appointment does not exist" and "caller is
	// not a participant". The two cases are deliberately indistinguishable so
	// responses never reveal whether an appointment exists.
	ErrAccessDenied = errors.New("appointment not found")

	// ErrForbidden is returned when a known participant attempts an operation
	// reserved for the other role (e.g. a patient completing a consultation).
	ErrForbidden = errors.New("forbidden")

	ErrEmptyMessage       = errors.New("message body or attachment required")
	ErrAttachmentNotFound = errors.New("attachment not found")
	ErrUnsupportedType    = errors.New("unsupported file type")
	ErrFileTooLarge       = errors.New("file exceeds maximum upload size")
	ErrStorageFailure     = errors.New("attachment storage failed")
	ErrInvalidTransition  = errors.New("appointment is not in a valid state for this action")

	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountDisabled    = errors.New("account disabled")
)

// ValidationError marks a rejected input; the message is safe to return to
// the client verbatim.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }
