// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

package deploy

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet/faults"
)

// Verifier polls the downstream health endpoint until it answers healthy
// or the attempt budget runs out.
type Verifier struct {
	log      *zap.Logger
	client   *http.Client
	url      string
	body     string
	attempts int
	interval time.Duration
}

// NewVerifier creates a verifier from the engine config.
func NewVerifier(log *zap.Logger, config Config) *Verifier {
	return &Verifier{
		log:      log,
		client:   &http.Client{Timeout: config.VerifyInterval},
		url:      config.VerifyURL,
		body:     config.VerifyBody,
		attempts: config.VerifyAttempts,
		interval: config.VerifyInterval,
	}
}

// Verify returns nil once the destination answers 200 with the expected
// body. An unset endpoint verifies trivially.
func (verifier *Verifier) Verify(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if verifier.url == "" {
		return nil
	}

	for attempt := 1; attempt <= verifier.attempts; attempt++ {
		healthy, reason := verifier.probe(ctx)
		if healthy {
			return nil
		}
		verifier.log.Debug("health probe failed",
			zap.Int("attempt", attempt),
			zap.String("reason", reason))

		if attempt == verifier.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return faults.Wrap(faults.Timeout, ctx.Err())
		case <-time.After(verifier.interval):
		}
	}
	return faults.New(faults.Timeout,
		"healthCheckFailed: %s did not answer healthy after %d attempts", verifier.url, verifier.attempts)
}

func (verifier *Verifier) probe(ctx context.Context) (healthy bool, reason string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, verifier.url, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := verifier.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, resp.Status
	}
	if verifier.body == "" {
		return true, ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err.Error()
	}
	if !strings.Contains(string(body), verifier.body) {
		return false, "body predicate not satisfied"
	}
	return true, ""
}
