package httpclient

import (
	"fmt"
	"time"
)

// UpstreamError represents a non-2xx reply from a provider endpoint.
// RetryAfter is the parsed Retry-After header, zero when absent.
type UpstreamError struct {
	StatusCode int
	Body       []byte
	URL        string
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status %d from %s", e.StatusCode, e.URL)
}
