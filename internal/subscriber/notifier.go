package subscriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seiler-io/jetgate/internal/config"
	"github.com/seiler-io/jetgate/internal/session"
)

const (
	retryInitialInterval = 3 * time.Second
	retryMaxElapsedTime  = 3 * time.Minute
	retryMultiplier      = 1.75

	pollInterval = 20 * time.Minute
)

// DeliveryPolicy bounds the retry schedule for one message.
type DeliveryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
	// RetryNetworkErrors classifies transport errors as transient. The
	// default (false) fails fast on DNS/TLS/connection errors.
	RetryNetworkErrors bool
}

func defaultPolicy(retryNetworkErrors bool) DeliveryPolicy {
	return DeliveryPolicy{
		InitialInterval:    retryInitialInterval,
		Multiplier:         retryMultiplier,
		MaxElapsedTime:     retryMaxElapsedTime,
		RetryNetworkErrors: retryNetworkErrors,
	}
}

// Send posts one message to the subscriber, retrying transient failures with
// exponential backoff. 4xx responses are permanent; 5xx are transient; a
// Retry-After header takes precedence over the computed backoff.
func Send(ctx context.Context, sub config.Subscriber, msg Message) error {
	return sendWithPolicy(ctx, http.DefaultClient, sub, msg, defaultPolicy(sub.RetryNetworkErrors))
}

func sendWithPolicy(ctx context.Context, client *http.Client, sub config.Subscriber, msg Message, pol DeliveryPolicy) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode subscriber message: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pol.InitialInterval
	b.Multiplier = pol.Multiplier
	b.MaxElapsedTime = pol.MaxElapsedTime
	b.RandomizationFactor = 0
	b.Reset()

	for {
		transient, retryAfter, err := post(ctx, client, sub, body, pol.RetryNetworkErrors)
		if err == nil {
			slog.Debug("message successfully sent to subscriber", "kind", msg.Kind)
			return nil
		}
		if !transient {
			return err
		}

		wait := retryAfter
		if wait == 0 {
			wait = b.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("retry budget exhausted: %w", err)
			}
		}

		slog.Debug("a transient error occurred", "error", err, "retry_after", wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// post performs one delivery attempt. It reports whether a failure is
// transient and any server-provided retry delay.
func post(ctx context.Context, client *http.Client, sub config.Subscriber, body []byte, retryNetworkErrors bool) (transient bool, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return false, 0, fmt.Errorf("build subscriber request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sub.Token)

	resp, err := client.Do(req)
	if err != nil {
		return retryNetworkErrors, 0, fmt.Errorf("failed to post message at the subscriber URL: %w", err)
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	switch {
	case status < 400:
		return false, 0, nil
	case status < 500:
		// A client error suggests the request will never succeed no matter
		// how many times we try.
		return false, 0, fmt.Errorf("subscriber responded with a client error status: %d", status)
	default:
		if secs, parseErr := strconv.Atoi(resp.Header.Get("Retry-After")); parseErr == nil && secs >= 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
		return true, retryAfter, fmt.Errorf("subscriber responded with a server error status: %d", status)
	}
}

// Run dispatches queued messages to the configured subscriber until ctx is
// done or the channel is closed. Each delivery runs detached so a slow
// endpoint cannot head-of-line-block later events. The subscriber endpoint
// is refreshed from the config handle between messages.
func Run(ctx context.Context, conf *config.Handle, rx <-chan Message) error {
	slog.Debug("subscriber task started")

	cfg := conf.Get()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conf.Changed():
			cfg = conf.Get()
		case msg, ok := <-rx:
			if !ok {
				return nil
			}
			sub := cfg.Subscriber
			if sub == nil {
				slog.Debug("subscriber is not configured, ignore message", "kind", msg.Kind)
				continue
			}
			go func(sub config.Subscriber, msg Message) {
				if err := Send(ctx, sub, msg); err != nil {
					slog.Warn("couldn't send message to the subscriber", "kind", msg.Kind, "error", err)
				}
			}(*sub, msg)
		}
	}
}

// Poller periodically snapshots the session registry and queues a
// session.list message.
type Poller struct {
	Registry *session.Registry
	Tx       chan<- Message
	// Interval defaults to 20 minutes.
	Interval time.Duration
}

func (p *Poller) Run(ctx context.Context) error {
	slog.Debug("session list poller started")

	interval := p.Interval
	if interval == 0 {
		interval = pollInterval
	}

	for {
		sessions := p.Registry.Snapshot()
		list := make([]SessionInfo, 0, len(sessions))
		for _, s := range sessions {
			list = append(list, SessionInfo{
				AssociationID:  s.AssociationID,
				StartTimestamp: s.StartTimestamp,
			})
		}

		select {
		case p.Tx <- SessionList(list):
		case <-ctx.Done():
			return nil
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil
		}
	}
}
