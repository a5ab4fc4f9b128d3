package server

import (
	"context"
	"errors"
	"net/http"

	"nhblend/native/lending"
)

// errBadRequest marks request decoding failures raised by the HTTP layer.
var errBadRequest = errors.New("bad request")

// statusFor maps an engine error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, lending.ErrPositionNotFound),
		errors.Is(err, lending.ErrLiquidationNotFound),
		errors.Is(err, lending.ErrAuctionNotFound):
		return http.StatusNotFound
	case errors.Is(err, lending.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, lending.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, lending.ErrState):
		return http.StatusConflict
	case errors.Is(err, lending.ErrEconomic):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lending.ErrStalePrice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := lending.KindOf(err)
	if errors.Is(err, errBadRequest) {
		kind = "validation"
	}
	body := errorBody{Error: err.Error(), Kind: kind}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout {
		s.logger.Error("lending request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Error = "internal error"
	} else {
		s.logger.Debug("lending request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	writeJSON(w, status, body)
}
