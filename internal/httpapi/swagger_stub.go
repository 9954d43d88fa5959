//go:build !swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
)

// MountSwagger is a no-op by default and returns "". Build with
// -tags=swagger to serve the UI.
func MountSwagger(chi.Router) string { return "" }
