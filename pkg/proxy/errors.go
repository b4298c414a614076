package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lkarlslund/airelay/pkg/metrics"
	"github.com/lkarlslund/airelay/pkg/policy"
	"github.com/lkarlslund/airelay/pkg/upstream"
)

// Fixed client-facing messages. Internal detail only goes to the log.
const (
	msgInvalidJSON         = "Invalid JSON"
	msgRequestBody         = "Failed to read request body"
	msgUpstreamUnreachable = "Failed to connect to upstream service"
	msgUpstreamRead        = "Failed to read upstream response"
	msgUpstreamMalformed   = "Invalid response from upstream service"
	msgUpstreamError       = "Upstream service error"
	msgNotFound            = "Not Found"
	msgMethodNotAllowed    = "Method Not Allowed"
	msgShuttingDown        = "Server shutting down"
	msgInternal            = "Internal server error"
)

var (
	ErrUpstreamRejected          = errors.New("upstream rejected request")
	ErrUpstreamResponseMalformed = errors.New("upstream response is not valid json")

	errRequestBody  = errors.New("read request body")
	errUpstreamRead = errors.New("read upstream body")
)

// upstreamStatusError carries a non-2xx upstream status for pass-through.
type upstreamStatusError struct {
	status int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("%v: status %d", ErrUpstreamRejected, e.status)
}

func (e *upstreamStatusError) Unwrap() error {
	return ErrUpstreamRejected
}

// classify maps a relay failure to the client status, the fixed message and
// the outcome label.
func classify(err error) (int, string, string) {
	var statusErr *upstreamStatusError
	switch {
	case errors.Is(err, policy.ErrInvalidRequestBody):
		return http.StatusBadRequest, msgInvalidJSON, metrics.OutcomeRejected
	case errors.Is(err, errRequestBody):
		return http.StatusBadRequest, msgRequestBody, metrics.OutcomeRejected
	case errors.As(err, &statusErr):
		return statusErr.status, msgUpstreamError, metrics.OutcomeUpstreamError
	case errors.Is(err, ErrUpstreamResponseMalformed):
		return http.StatusBadGateway, msgUpstreamMalformed, metrics.OutcomeMalformedResponse
	case errors.Is(err, context.Canceled):
		return 0, "", metrics.OutcomeClientGone
	case errors.Is(err, errUpstreamRead):
		return http.StatusBadGateway, msgUpstreamRead, metrics.OutcomeUnreachable
	case errors.Is(err, upstream.ErrUnreachable):
		return http.StatusBadGateway, msgUpstreamUnreachable, metrics.OutcomeUnreachable
	default:
		return http.StatusInternalServerError, msgInternal, metrics.OutcomeUpstreamError
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
