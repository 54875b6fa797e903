// Package api serves the FDX read endpoints. Every request runs its
// activity through the engine and maps the terminal outcome onto HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_fdx/internal/auth"
	"github.com/austindbirch/harbor_fdx/internal/dispatch"
	"github.com/austindbirch/harbor_fdx/internal/fdx"
	"github.com/austindbirch/harbor_fdx/internal/logging"
	"github.com/austindbirch/harbor_fdx/internal/taskerr"
	"github.com/austindbirch/harbor_fdx/internal/tracing"
)

const (
	Prefix         = "/fdx/v6"
	DefaultTimeout = 2 * time.Minute
)

// Runner executes one operation to completion.
type Runner interface {
	Run(ctx context.Context, operation string, args ...any) (any, error)
}

type Server struct {
	runner  Runner
	logger  *logging.Logger
	timeout time.Duration
}

func New(runner Runner, logger *logging.Logger, timeout time.Duration) *Server {
	if logger == nil {
		logger = logging.New("harborfdx-api")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Server{runner: runner, logger: logger, timeout: timeout}
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

// route describes one endpoint: the operation it runs, the path values
// appended after the customer ID, and the key wrapping list results.
type route struct {
	pattern   string
	operation string
	params    []string
	listKey   string
}

var routes = []route{
	{pattern: "/customers/current", operation: fdx.OpGetCustomer},
	{pattern: "/accounts", operation: fdx.OpGetAccounts, listKey: "accounts"},
	{pattern: "/accounts/{accountId}", operation: fdx.OpGetAccount, params: []string{"accountId"}},
	{pattern: "/accounts/{accountId}/contact", operation: fdx.OpGetAccountContact, params: []string{"accountId"}},
	{pattern: "/accounts/{accountId}/statements", operation: fdx.OpGetStatements, params: []string{"accountId"}, listKey: "statements"},
	{pattern: "/accounts/{accountId}/statements/{statementId}", operation: fdx.OpGetStatement, params: []string{"accountId", "statementId"}},
	{pattern: "/accounts/{accountId}/transactions", operation: fdx.OpGetTransactions, params: []string{"accountId"}, listKey: "transactions"},
	{pattern: "/accounts/{accountId}/payment-networks", operation: fdx.OpGetPaymentNetworks, params: []string{"accountId"}, listKey: "paymentNetworks"},
	{pattern: "/accounts/{accountId}/asset-transfer-networks", operation: fdx.OpGetAssetTransferNetworks, params: []string{"accountId"}, listKey: "assetTransferNetworks"},
}

// Register installs the FDX routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	for _, rt := range routes {
		mux.Handle("GET "+Prefix+rt.pattern, s.handler(rt))
	}
}

// Handler returns a mux with only the FDX routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) handler(rt route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), "api."+rt.operation,
			attribute.String("http.route", Prefix+rt.pattern),
			tracing.AttrOperation.String(rt.operation),
		)
		defer span.End()

		customerID, ok := auth.CustomerIDFromContext(ctx)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Code: "Unauthorized", Message: "no authenticated customer"})
			return
		}
		span.SetAttributes(tracing.AttrCustomer.String(customerID))

		args := make([]any, 0, 1+len(rt.params))
		args = append(args, customerID)
		for _, p := range rt.params {
			args = append(args, r.PathValue(p))
		}

		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		start := time.Now()
		v, err := s.runner.Run(ctx, rt.operation, args...)
		log := s.logger.WithContext(ctx).WithOperation(rt.operation).WithCustomer(customerID).
			WithField("duration_ms", time.Since(start).Milliseconds())
		if err != nil {
			status, body := errorResponse(err)
			tracing.SetSpanError(ctx, err)
			if status >= http.StatusInternalServerError {
				log.WithError(err).WithField("status", status).Warn("request failed")
			} else {
				log.WithField("status", status).Debug("request rejected")
			}
			writeJSON(w, status, body)
			return
		}

		log.Debug("request served")
		if rt.listKey != "" {
			writeJSON(w, http.StatusOK, map[string]any{rt.listKey: v})
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// errorResponse maps a terminal failure onto a status and body.
func errorResponse(err error) (int, ErrorBody) {
	te, ok := taskerr.AsError(err)
	if !ok {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return http.StatusGatewayTimeout, ErrorBody{Code: "Timeout", Message: "request deadline exceeded before the task finished"}
		case errors.Is(err, dispatch.ErrClosed):
			return http.StatusServiceUnavailable, ErrorBody{Code: "Unavailable", Message: "engine is shutting down"}
		}
		te = taskerr.Classify(err)
	}
	body := ErrorBody{Code: te.Kind.String(), Message: te.Message, Attempts: te.Attempt}
	if body.Message == "" {
		body.Message = te.Kind.DefaultMessage()
	}
	if fdx.IsNotFound(err) {
		body.Code = "NotFound"
		return http.StatusNotFound, body
	}
	return te.Kind.HTTPStatus(), body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
