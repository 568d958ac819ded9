// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package api implements the authenticated operator HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitfleet.io/gitfleet/fleet/compliance"
	"gitfleet.io/gitfleet/fleet/console"
	"gitfleet.io/gitfleet/fleet/deploy"
	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/fleet/fleetdb"
	"gitfleet.io/gitfleet/fleet/orchestrate"
	"gitfleet.io/gitfleet/fleet/pipeline"
)

var (
	mon = monkit.Package()

	// Error is the default api errs class.
	Error = errs.Class("api")
)

// Config holds the api server settings.
type Config struct {
	Address        string        `help:"address to bind the operator api on" default:":10080"`
	RequestTimeout time.Duration `help:"per request deadline" default:"30s"`
	DefaultLimit   int           `help:"default page size for listings" default:"50"`
	MaxLimit       int           `help:"maximum page size for listings" default:"500"`
}

// HealthDB exposes the store health snapshot.
type HealthDB interface {
	HealthCheck(ctx context.Context) (fleetdb.Health, error)
}

// principal is the authenticated caller.
type principal struct {
	Name string
	Role console.Role
}

type principalKey struct{}

// Server is the operator api.
//
// architecture: Endpoint
type Server struct {
	log      *zap.Logger
	listener net.Listener
	server   http.Server

	auth          *console.Service
	deploys       *deploy.Service
	deployLogs    deploy.Logs
	deployFiles   deploy.Files
	pipelines     *pipeline.Service
	compliances   *compliance.Service
	orchestrator  *orchestrate.Runner
	orchestration []*orchestrate.Profile
	db            HealthDB

	config Config
}

// NewServer creates the operator api on the given listener. The realtime
// handler is mounted under /events and performs its own authentication.
func NewServer(log *zap.Logger, listener net.Listener,
	auth *console.Service,
	deploys *deploy.Service, deployLogs deploy.Logs, deployFiles deploy.Files,
	pipelines *pipeline.Service, compliances *compliance.Service,
	orchestrator *orchestrate.Runner, orchestration []*orchestrate.Profile,
	realtime http.Handler, db HealthDB, config Config) *Server {

	if config.DefaultLimit <= 0 {
		config.DefaultLimit = 50
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = 500
	}

	server := &Server{
		log:           log,
		listener:      listener,
		auth:          auth,
		deploys:       deploys,
		deployLogs:    deployLogs,
		deployFiles:   deployFiles,
		pipelines:     pipelines,
		compliances:   compliances,
		orchestrator:  orchestrator,
		orchestration: orchestration,
		db:            db,
		config:        config,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", server.health).Methods(http.MethodGet)
	if realtime != nil {
		router.Handle("/events", realtime)
	}

	protected := router.NewRoute().Subrouter()
	protected.Use(server.withAuth)

	protected.Handle("/pipelines/status",
		server.require(console.ResourcePipeline, console.ActionRead, server.pipelineStatus)).Methods(http.MethodGet)
	protected.Handle("/pipelines/trigger",
		server.require(console.ResourcePipeline, console.ActionTrigger, server.pipelineTrigger)).Methods(http.MethodPost)
	protected.Handle("/pipelines/metrics",
		server.require(console.ResourcePipeline, console.ActionRead, server.pipelineMetrics)).Methods(http.MethodGet)

	protected.Handle("/compliance/status",
		server.require(console.ResourceTemplate, console.ActionRead, server.complianceStatus)).Methods(http.MethodGet)
	protected.Handle("/compliance/check",
		server.require(console.ResourceTemplate, console.ActionRead, server.complianceCheck)).Methods(http.MethodPost)
	protected.Handle("/compliance/apply",
		server.require(console.ResourceTemplate, console.ActionApply, server.complianceApply)).Methods(http.MethodPost)

	protected.Handle("/deployments",
		server.require(console.ResourceDeployment, console.ActionCreate, server.deploymentCreate)).Methods(http.MethodPost)
	protected.Handle("/deployments",
		server.require(console.ResourceDeployment, console.ActionRead, server.deploymentList)).Methods(http.MethodGet)
	protected.Handle("/deployments/{id}",
		server.require(console.ResourceDeployment, console.ActionRead, server.deploymentGet)).Methods(http.MethodGet)
	protected.Handle("/deployments/{id}/logs",
		server.require(console.ResourceDeployment, console.ActionRead, server.deploymentLogs)).Methods(http.MethodGet)
	protected.Handle("/deployments/{id}/cancel",
		server.require(console.ResourceDeployment, console.ActionCancel, server.deploymentCancel)).Methods(http.MethodPost)
	protected.Handle("/deployments/{id}/rollback",
		server.require(console.ResourceDeployment, console.ActionCreate, server.deploymentRollback)).Methods(http.MethodPost)

	protected.Handle("/orchestrations",
		server.require(console.ResourceDeployment, console.ActionRead, server.orchestrationList)).Methods(http.MethodGet)
	protected.Handle("/orchestrations/{profile}",
		server.require(console.ResourceDeployment, console.ActionCreate, server.orchestrationRun)).Methods(http.MethodPost)

	server.server = http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server
}

// Run starts serving until the context is canceled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		shutdown, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		return server.server.Shutdown(shutdown)
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	})
	return group.Wait()
}

// Close shuts the server down.
func (server *Server) Close() error {
	return server.server.Close()
}

// Addr returns the bound address.
func (server *Server) Addr() net.Addr {
	return server.listener.Addr()
}

// withAuth resolves the bearer token to a principal, session or api key.
func (server *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token, ok := bearerToken(r)
		if !ok {
			server.reply(w, r, nil, faults.New(faults.AuthFailed, "missing bearer token"))
			return
		}

		var caller principal
		if strings.HasPrefix(token, "gfk_") {
			key, err := server.auth.VerifyAPIKey(ctx, token)
			if err != nil {
				server.reply(w, r, nil, err)
				return
			}
			caller = principal{Name: "apikey:" + key.Name, Role: key.Role}
		} else {
			session, err := server.auth.ValidateSession(ctx, token)
			if err != nil {
				server.reply(w, r, nil, err)
				return
			}
			user, err := server.auth.GetUser(ctx, session.UserID)
			if err != nil {
				server.reply(w, r, nil, faults.New(faults.AuthFailed, "unknown session user"))
				return
			}
			caller = principal{Name: user.Username, Role: user.Role}
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, principalKey{}, caller)))
	})
}

// require gates the handler on a permission of the caller's role.
func (server *Server) require(resource console.Resource, action console.Action, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := callerOf(r.Context())
		if !caller.Role.HasPermission(console.Permission{Resource: resource, Action: action}) {
			server.reply(w, r, nil, faults.New(faults.AuthFailed, "%s:%s is not permitted", resource, action))
			return
		}
		handler(w, r)
	})
}

func callerOf(ctx context.Context) principal {
	caller, _ := ctx.Value(principalKey{}).(principal)
	return caller
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// reply writes either the payload or the error taxonomy response.
func (server *Server) reply(w http.ResponseWriter, r *http.Request, payload interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err == nil {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(payload)
		return
	}

	kind := faults.KindOf(err)
	if kind == "" {
		kind = faults.Internal
	}

	correlationID := uuid.NewString()
	var fault *faults.Fault
	if errors.As(err, &fault) && fault.CorrelationID != "" {
		correlationID = fault.CorrelationID
	}

	status, message := http.StatusInternalServerError, "internal error"
	switch kind {
	case faults.Validation:
		status, message = http.StatusBadRequest, err.Error()
	case faults.PolicyViolation:
		status, message = http.StatusForbidden, err.Error()
	case faults.AuthFailed:
		status, message = http.StatusUnauthorized, err.Error()
	case faults.NotFound:
		status, message = http.StatusNotFound, err.Error()
	case faults.Conflict:
		status, message = http.StatusConflict, err.Error()
	case faults.RateLimited:
		status, message = http.StatusTooManyRequests, err.Error()
		if wait := faults.RetryAfter(err); wait > 0 {
			w.Header().Set("Retry-After", wait.Round(time.Second).String())
		}
	case faults.PayloadTooLarge:
		status, message = http.StatusRequestEntityTooLarge, err.Error()
	case faults.Transport:
		status, message = http.StatusBadGateway, err.Error()
	case faults.Timeout:
		status, message = http.StatusGatewayTimeout, err.Error()
	}

	if status >= http.StatusInternalServerError {
		server.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("correlationId", correlationID),
			zap.Error(err))
	}

	response := map[string]interface{}{
		"kind":          string(kind),
		"message":       message,
		"correlationId": correlationID,
	}
	if fault != nil && len(fault.Details) > 0 && status < http.StatusInternalServerError {
		response["details"] = fault.Details
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}
