package interceptor

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var bypassedRequests = promauto.NewCounter(prometheus.CounterOpts{
	Name: "interceptor_bypassed_requests_total",
	Help: "Total number of requests of uncontrolled clients sent straight to the network.",
})

// Handler serves client requests through the active generation of a Registration.
type Handler struct { // Implements http.Handler.
	registration *Registration
	network      *Network
}

var _ http.Handler = (*Handler)(nil)

// NewHandler returns the HTTP entry point of the interceptor.
func NewHandler(registration *Registration, network *Network) *Handler {
	return &Handler{registration: registration, network: network}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	active := h.registration.Active()
	activeGeneration := ""
	if active != nil {
		activeGeneration = active.Generation()
	}
	controller := h.registration.Clients().Observe(ClientID(r), activeGeneration)
	outbound := h.network.Outbound(r)

	var resp *http.Response
	var err error
	if controller == "" || active == nil { // Uncontrolled clients see the plain network.
		bypassedRequests.Inc()
		resp, err = h.network.Fetch(r.Context(), outbound)
	} else {
		resp, err = active.Fetch(r.Context(), outbound)
	}

	switch {
	case errors.Is(err, ErrNoResponse):
		http.Error(w, "The network is unreachable and the request is not cached.", http.StatusGatewayTimeout)
		return
	case err != nil:
		slog.Debug("Failed to serve an intercepted request.", "url", outbound.URL.String(), "error", err)
		http.Error(w, "The network is unreachable.", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for name, values := range resp.Header {
		w.Header()[name] = values
	}
	for _, name := range hopHeaders {
		w.Header().Del(name)
	}
	if w.Header().Get(SourceHeader) == "" {
		w.Header().Set(SourceHeader, "network")
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("Failed to copy a response to the client.", "url", outbound.URL.String(), "error", err)
	}
}
