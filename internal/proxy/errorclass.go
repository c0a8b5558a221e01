package proxy

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// classifyError converts an error into a short human-readable category string
// used in log fields and metrics labels.
func classifyError(err error) string {
	if err == context.DeadlineExceeded {
		return "timeout"
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
