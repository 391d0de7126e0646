//go:build !swagger

package server

import (
	"github.com/go-chi/chi/v5"
)

// mountSwagger is a no-op by default. Build with -tags=swagger to enable.
func mountSwagger(r chi.Router) {}
