package autoxing

import (
	"errors"
	"fmt"
)

// ErrMissingCredentials is returned by Config.Validate when the app id,
// secret or code is unset.
var ErrMissingCredentials = errors.New("missing AutoXing credentials (AUTOX_APP_ID, AUTOX_APP_SECRET, AUTOX_APP_CODE)")

// APIError is an application-level failure reported inside a vendor
// response wrapper, i.e. the HTTP exchange succeeded but the wrapper
// status is not 200.
type APIError struct {
	Status  int
	Message string
	Op      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("autoxing %s: vendor status %d: %s", e.Op, e.Status, e.Message)
}

// IsAuthError reports whether the error is a vendor auth rejection
// (wrapper status 401 or 403), which invalidates the cached token.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 401 || apiErr.Status == 403
	}
	return false
}
