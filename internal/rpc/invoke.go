package rpc

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/kreteshq/huncwot/internal/metrics"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type methodHandler struct {
	modules *Modules
	metrics *metrics.Metrics
	logger  *slog.Logger
	service string
	method  Method
}

func newMethodHandler(modules *Modules, m *metrics.Metrics, logger *slog.Logger, service string, method Method) http.Handler {
	return &methodHandler{
		modules: modules,
		metrics: m,
		logger:  logger,
		service: service,
		method:  method,
	}
}

// forwardHandler passes a call to another handler and counts the outcome.
type forwardHandler struct {
	backend http.Handler
	metrics *metrics.Metrics
	service string
	route   string
}

func (h *forwardHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	h.backend.ServeHTTP(ww, r)
	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}
	h.metrics.RPCCall(h.service, h.route, status)
}

type rpcFailure struct {
	Error string `json:"error"`
}

func (h *methodHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.serve(w, r)
	h.metrics.RPCCall(h.service, h.method.Route(), status)
}

func (h *methodHandler) serve(w http.ResponseWriter, r *http.Request) int {
	if h.modules == nil {
		return h.fail(w, http.StatusNotImplemented, fmt.Errorf("no module registry for service %s", h.service))
	}
	inst, err := h.modules.Instance(h.service)
	if err != nil {
		return h.fail(w, http.StatusNotImplemented, err)
	}

	fn := reflect.ValueOf(inst).MethodByName(h.method.Name)
	if !fn.IsValid() {
		return h.fail(w, http.StatusNotImplemented,
			fmt.Errorf("%s has no method %s", h.service, h.method.Name))
	}
	ft := fn.Type()
	if ft.IsVariadic() {
		return h.fail(w, http.StatusNotImplemented,
			fmt.Errorf("%s.%s is variadic", h.service, h.method.Name))
	}

	args := make([]reflect.Value, 0, ft.NumIn())
	next := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		args = append(args, reflect.ValueOf(r.Context()))
		next = 1
	}
	switch ft.NumIn() - next {
	case 0:
	case 1:
		in := reflect.New(ft.In(next))
		if err := json.NewDecoder(r.Body).Decode(in.Interface()); err != nil && !stderrors.Is(err, io.EOF) {
			return h.fail(w, http.StatusBadRequest, fmt.Errorf("decoding input: %w", err))
		}
		args = append(args, in.Elem())
	default:
		return h.fail(w, http.StatusNotImplemented,
			fmt.Errorf("%s.%s does not match its interface", h.service, h.method.Name))
	}

	results := fn.Call(args)

	var out any
	for _, res := range results {
		if res.Type() == errorType {
			if !res.IsNil() {
				return h.fail(w, http.StatusInternalServerError, res.Interface().(error))
			}
			continue
		}
		out = res.Interface()
	}
	if out == nil {
		out = struct{}{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Warn("encoding rpc result failed", "service", h.service, "method", h.method.Name, "error", err)
	}
	return http.StatusOK
}

func (h *methodHandler) fail(w http.ResponseWriter, status int, err error) int {
	if status >= http.StatusInternalServerError {
		h.logger.Warn("rpc call failed", "service", h.service, "method", h.method.Name, "status", status, "error", err)
	} else {
		h.logger.Debug("rpc call rejected", "service", h.service, "method", h.method.Name, "status", status, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rpcFailure{Error: err.Error()})
	return status
}
