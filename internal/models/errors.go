package models

import "errors"

var (
	ErrNotFound         = errors.New("not_found")
	ErrStorage          = errors.New("storage_failure")
	ErrExternalService  = errors.New("external_service_failure")
	ErrValidation       = errors.New("validation_failure")
	ErrExhaustedRetries = errors.New("exhausted_retries")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConflict         = errors.New("conflict")
)

var taxonomy = []error{
	ErrNotFound,
	ErrStorage,
	ErrExternalService,
	ErrValidation,
	ErrExhaustedRetries,
	ErrUnauthorized,
	ErrConflict,
}

// ErrorKind returns the taxonomy label for err, or "internal" when err does
// not wrap one of the sentinel errors.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, target := range taxonomy {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "internal"
}
