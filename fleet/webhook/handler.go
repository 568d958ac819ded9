// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gitfleet.io/gitfleet/fleet/faults"
)

// Handler is the HTTP surface for webhook admission.
type Handler struct {
	log     *zap.Logger
	service *Service
	limiter *rate.Limiter
	config  Config

	router *mux.Router
}

// NewHandler creates the webhook HTTP handler.
func NewHandler(log *zap.Logger, service *Service, config Config) *Handler {
	handler := &Handler{
		log:     log,
		service: service,
		limiter: rate.NewLimiter(rate.Limit(config.PerSecond), config.Burst),
		config:  config,
		router:  mux.NewRouter(),
	}
	handler.router.HandleFunc("/webhooks/{host}/{event}", handler.receive).Methods(http.MethodPost)
	return handler
}

// ServeHTTP implements http.Handler.
func (handler *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler.router.ServeHTTP(w, r)
}

func (handler *Handler) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	host := vars["host"]

	if !handler.limiter.Allow() {
		handler.reject(w, faults.New(faults.RateLimited, "webhook intake saturated"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, handler.config.MaxBodyBytes+1))
	if err != nil {
		handler.reject(w, faults.New(faults.Internal, "reading body failed"))
		return
	}
	if int64(len(body)) > handler.config.MaxBodyBytes {
		handler.reject(w, faults.New(faults.PayloadTooLarge,
			"body exceeds %d bytes", handler.config.MaxBodyBytes))
		return
	}

	delivery := Delivery{
		Host:       host,
		Event:      headerValue(r, host, "Event"),
		DeliveryID: headerValue(r, host, "Delivery"),
		Signature:  headerValue(r, host, "Signature-256"),
		Body:       body,
	}
	if delivery.Event == "" {
		delivery.Event = vars["event"]
	}

	outcome, err := handler.service.Admit(ctx, delivery)
	if err != nil {
		handler.reject(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "accepted",
		"duplicate": outcome.Duplicate,
	})
}

// headerValue reads "X-<Host>-<Suffix>", e.g. X-Github-Delivery.
func headerValue(r *http.Request, host, suffix string) string {
	if host == "" {
		return ""
	}
	name := strings.ToUpper(host[:1]) + host[1:]
	return r.Header.Get("X-" + name + "-" + suffix)
}

// reject maps a fault to the response taxonomy without leaking internals.
func (handler *Handler) reject(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	status := http.StatusInternalServerError
	message := "internal error"
	switch kind {
	case faults.Validation:
		status, message = http.StatusBadRequest, err.Error()
	case faults.AuthFailed:
		status, message = http.StatusUnauthorized, "signature verification failed"
	case faults.PayloadTooLarge:
		status, message = http.StatusRequestEntityTooLarge, err.Error()
	case faults.RateLimited:
		status, message = http.StatusTooManyRequests, err.Error()
	default:
		handler.log.Error("webhook admission failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"kind":    string(kind),
		"message": message,
	})
}
