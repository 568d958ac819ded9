// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package webhook admits change events from code hosts: signature check,
// duplicate suppression, schema validation and dispatch.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet/deploy"
	"gitfleet.io/gitfleet/fleet/faults"
	"gitfleet.io/gitfleet/fleet/pipeline"
	"gitfleet.io/gitfleet/private/kvstore"
)

var (
	mon = monkit.Package()

	// Error is the default webhook errs class.
	Error = errs.Class("webhook")
)

// Config configures admission.
type Config struct {
	Address      string        `help:"address to bind the webhook intake on" default:":10081"`
	Secret       string        `help:"shared webhook secret"`
	DedupURL     string        `help:"redis url for the delivery dedup store, in-memory when empty"`
	MaxBodyBytes int64         `help:"maximum webhook body size" default:"1048576"`
	DedupSize    int           `help:"delivery id dedup entries" default:"10000"`
	DedupTTL     time.Duration `help:"how long delivery ids are remembered" default:"24h"`
	PerSecond    float64       `help:"webhook requests admitted per second" default:"50"`
	Burst        int           `help:"webhook request burst" default:"100"`
}

// The admitted event names.
var allowedEvents = map[string]bool{
	"push":                true,
	"pull_request":        true,
	"workflow_run":        true,
	"repository_dispatch": true,
}

// Delivery is one inbound webhook after header parsing.
type Delivery struct {
	Host       string
	Event      string
	DeliveryID string
	Signature  string
	Body       []byte
}

// Outcome reports what admission did with a delivery.
type Outcome struct {
	Duplicate bool
	Dispatch  string // what the event was routed to, empty when dropped
}

// Service is the admission pipeline. It never surfaces internal details;
// every rejection carries a taxonomy kind the surface maps to a status.
type Service struct {
	log       *zap.Logger
	secret    []byte
	dedup     kvstore.Store
	deploys   *deploy.Service
	pipelines *pipeline.Service
	config    Config
}

// NewService creates the admission service. The dedup store remembers
// delivery ids; duplicates are acknowledged but not processed.
func NewService(log *zap.Logger, dedup kvstore.Store, deploys *deploy.Service, pipelines *pipeline.Service, config Config) *Service {
	return &Service{
		log:       log,
		secret:    []byte(config.Secret),
		dedup:     dedup,
		deploys:   deploys,
		pipelines: pipelines,
		config:    config,
	}
}

// VerifySignature checks the keyed MAC of the raw body in constant time.
// The header value has the form "sha256=<hex mac>".
func (service *Service) VerifySignature(signature string, body []byte) error {
	encoded, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return faults.New(faults.AuthFailed, "malformed signature header")
	}
	provided, err := hex.DecodeString(encoded)
	if err != nil {
		return faults.New(faults.AuthFailed, "malformed signature header")
	}
	mac := hmac.New(sha256.New, service.secret)
	_, _ = mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return faults.New(faults.AuthFailed, "signature mismatch")
	}
	return nil
}

// Admit runs a delivery through the pipeline: authenticate, deduplicate,
// validate, dispatch.
func (service *Service) Admit(ctx context.Context, delivery Delivery) (_ Outcome, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := service.VerifySignature(delivery.Signature, delivery.Body); err != nil {
		return Outcome{}, err
	}
	if !allowedEvents[delivery.Event] {
		return Outcome{}, faults.New(faults.Validation, "event %q is not admitted", delivery.Event)
	}
	if delivery.DeliveryID == "" {
		return Outcome{}, faults.New(faults.Validation, "missing delivery id")
	}

	fresh, err := service.dedup.PutIfAbsent(ctx, dedupKey(delivery), []byte{1}, service.config.DedupTTL)
	if err != nil {
		return Outcome{}, faults.Wrap(faults.Internal, err)
	}
	if !fresh {
		// audit trail for the suppressed redelivery
		service.log.Info("duplicate webhook delivery",
			zap.String("host", delivery.Host),
			zap.String("event", delivery.Event),
			zap.String("delivery", delivery.DeliveryID),
			zap.Bool("duplicate", true))
		return Outcome{Duplicate: true}, nil
	}

	payload, err := parsePayload(delivery)
	if err != nil {
		return Outcome{}, err
	}
	return service.dispatch(ctx, delivery, payload)
}

func dedupKey(delivery Delivery) string {
	return delivery.Host + "/" + delivery.DeliveryID
}

type payload struct {
	Repository struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`

	Ref    string `json:"ref"`
	After  string `json:"after"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`

	Action string `json:"action"`

	WorkflowRun *struct {
		ID         json.Number `json:"id"`
		Name       string      `json:"name"`
		HeadBranch string      `json:"head_branch"`
		HeadSHA    string      `json:"head_sha"`
		Status     string      `json:"status"`
		Conclusion string      `json:"conclusion"`
		RunStarted *time.Time  `json:"run_started_at"`
		UpdatedAt  *time.Time  `json:"updated_at"`
	} `json:"workflow_run"`

	ClientPayload map[string]string `json:"client_payload"`
}

// parsePayload decodes the body and checks the per-event required fields.
func parsePayload(delivery Delivery) (*payload, error) {
	var p payload
	if err := json.Unmarshal(delivery.Body, &p); err != nil {
		return nil, faults.New(faults.Validation, "body is not valid JSON")
	}
	if p.Repository.FullName == "" {
		return nil, faults.New(faults.Validation, "repository.full_name is required")
	}
	switch delivery.Event {
	case "push":
		if p.Ref == "" || p.After == "" {
			return nil, faults.New(faults.Validation, "push requires ref and after")
		}
	case "repository_dispatch":
		if p.Action == "" {
			return nil, faults.New(faults.Validation, "repository_dispatch requires action")
		}
	case "workflow_run":
		if p.WorkflowRun == nil || p.WorkflowRun.ID.String() == "" || p.WorkflowRun.Status == "" {
			return nil, faults.New(faults.Validation, "workflow_run requires id and status")
		}
	case "pull_request":
		if p.Action == "" {
			return nil, faults.New(faults.Validation, "pull_request requires action")
		}
	}
	return &p, nil
}

func (service *Service) dispatch(ctx context.Context, delivery Delivery, p *payload) (Outcome, error) {
	switch delivery.Event {
	case "push":
		branch := strings.TrimPrefix(p.Ref, "refs/heads/")
		if branch == p.Ref && strings.HasPrefix(p.Ref, "refs/") {
			// tag or other non-branch ref, acknowledged but not deployed
			return Outcome{}, nil
		}
		_, err := service.deploys.Create(ctx, deploy.Request{
			Repository:    p.Repository.FullName,
			Branch:        branch,
			Commit:        p.After,
			Priority:      "normal",
			RequestedBy:   "webhook:" + p.Sender.Login,
			CorrelationID: delivery.DeliveryID,
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Dispatch: "deployment"}, nil

	case "repository_dispatch":
		branch := p.ClientPayload["branch"]
		if branch == "" {
			branch = p.Repository.DefaultBranch
		}
		_, err := service.deploys.Create(ctx, deploy.Request{
			Repository:    p.Repository.FullName,
			Branch:        branch,
			Priority:      "normal",
			RequestedBy:   "webhook:" + p.Sender.Login,
			Parameters:    p.ClientPayload,
			CorrelationID: delivery.DeliveryID,
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Dispatch: "deployment"}, nil

	case "workflow_run":
		run := &pipeline.Run{
			Repository:   p.Repository.FullName,
			RunID:        p.WorkflowRun.ID.String(),
			Branch:       p.WorkflowRun.HeadBranch,
			WorkflowName: p.WorkflowRun.Name,
			Status:       mapWorkflowStatus(p.WorkflowRun.Status, p.WorkflowRun.Conclusion),
			Conclusion:   p.WorkflowRun.Conclusion,
			Commit:       p.WorkflowRun.HeadSHA,
			Actor:        p.Sender.Login,
			StartedAt:    p.WorkflowRun.RunStarted,
		}
		if run.Status.Terminal() {
			run.CompletedAt = p.WorkflowRun.UpdatedAt
		}
		if _, _, err := service.pipelines.Observe(ctx, run); err != nil {
			return Outcome{}, err
		}
		return Outcome{Dispatch: "pipeline"}, nil

	default:
		// pull_request is audited only
		service.log.Info("webhook acknowledged",
			zap.String("event", delivery.Event),
			zap.String("repository", p.Repository.FullName),
			zap.String("action", p.Action))
		return Outcome{}, nil
	}
}

func mapWorkflowStatus(status, conclusion string) pipeline.RunStatus {
	switch status {
	case "queued", "waiting", "requested", "pending":
		return pipeline.RunPending
	case "in_progress":
		return pipeline.RunRunning
	case "completed":
		switch conclusion {
		case "success":
			return pipeline.RunSuccess
		case "cancelled", "skipped":
			return pipeline.RunCancelled
		default:
			return pipeline.RunFailure
		}
	}
	return pipeline.RunPending
}
