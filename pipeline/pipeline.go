// Package pipeline runs authenticated catalog API calls with token refresh,
// rate limiting and bounded backoff retries. It is an http.RoundTripper so the
// Spotify and YouTube SDK clients run on top of it unchanged.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"relaybot/models"
	"relaybot/telemetry"
)

const (
	// MaxAttempts counts every attempt, whatever the retry reason
	MaxAttempts = 5
	BaseBackoff = 500 * time.Millisecond
	MaxBackoff  = 10 * time.Second
	MaxJitter   = 250 * time.Millisecond

	DefaultRateLimit = 5
)

type Options struct {
	// RequestsPerSecond gates every attempt, retries included. Zero means DefaultRateLimit.
	RequestsPerSecond int
	// Base performs the actual requests. Nil means http.DefaultTransport.
	Base http.RoundTripper
	// Sleep waits out a backoff. Nil means a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Pipeline struct {
	platform models.Platform
	tokens   TokenSource
	base     http.RoundTripper
	limiter  *rate.Limiter

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

func New(platform models.Platform, tokens TokenSource, opts Options) *Pipeline {
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRateLimit
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	return &Pipeline{
		platform: platform,
		tokens:   tokens,
		base:     base,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		sleep:    sleep,
		jitter:   randomJitter,
	}
}

// Client returns an http.Client whose requests all go through the pipeline
func (p *Pipeline) Client() *http.Client {
	return &http.Client{Transport: p}
}

// RoundTrip sends req with a bearer token. 401s force a token refresh, 429s
// and 5xx back off and retry, and everything else is handed back untouched.
func (p *Pipeline) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	logger := log.WithFields(log.Fields{
		"module":   "pipeline",
		"function": "RoundTrip",
		"platform": p.platform,
		"method":   req.Method,
		"path":     req.URL.Path,
	})

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, models.WrapError(p.platform, models.KindRequest, requestMessage(p.platform), err)
	}

	forceRefresh := false
	lastStatus := 0
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, models.WrapError(p.platform, models.KindRequest, requestMessage(p.platform), err)
		}

		token, err := p.tokens.Ensure(ctx, forceRefresh)
		if err != nil {
			return nil, err
		}
		forceRefresh = false

		attemptReq := req.Clone(ctx)
		if getBody != nil {
			body, err := getBody()
			if err != nil {
				return nil, models.WrapError(p.platform, models.KindRequest, requestMessage(p.platform), err)
			}
			attemptReq.Body = body
		}
		token.SetAuthHeader(attemptReq)

		resp, err := p.base.RoundTrip(attemptReq)
		if err != nil {
			logger.Warnf("Attempt %d/%d failed: %v", attempt+1, MaxAttempts, err)
			return nil, models.WrapError(p.platform, models.KindRequest, requestMessage(p.platform), err)
		}
		lastStatus = resp.StatusCode

		switch {
		case resp.StatusCode == http.StatusUnauthorized && attempt < MaxAttempts-1:
			logger.Debugf("Attempt %d/%d unauthorized, forcing token refresh", attempt+1, MaxAttempts)
			telemetry.RecordRetry(string(p.platform), "unauthorized")
			drain(resp)
			forceRefresh = true
			continue

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
			if attempt == MaxAttempts-1 {
				drain(resp)
				break
			}
			delay := Backoff(attempt, parseRetryAfter(resp)) + p.jitter()
			reason := "server_error"
			if resp.StatusCode == http.StatusTooManyRequests {
				reason = "rate_limited"
			}
			logger.Warnf("Attempt %d/%d got status %d, retrying in %s", attempt+1, MaxAttempts, resp.StatusCode, delay)
			telemetry.RecordRetry(string(p.platform), reason)
			drain(resp)
			if err := p.sleep(ctx, delay); err != nil {
				return nil, models.WrapError(p.platform, models.KindRequest, requestMessage(p.platform), err)
			}
			continue

		default:
			return resp, nil
		}
	}

	logger.Errorf("Retry budget of %d attempts exhausted, last status %d", MaxAttempts, lastStatus)
	retryErr := models.WrapError(p.platform, models.KindRetry,
		p.platform.DisplayName()+" is busy right now. Try again in a minute.",
		fmt.Errorf("gave up after %d attempts, last status %d", MaxAttempts, lastStatus))
	retryErr.Status = lastStatus
	return nil, retryErr
}

// Backoff is the delay before the retry following attempt (zero based): the
// server's Retry-After when positive, otherwise 500ms doubled per attempt.
// Both are capped at ten seconds.
func Backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, MaxBackoff)
	}
	if attempt >= 5 {
		return MaxBackoff
	}
	return min(BaseBackoff*time.Duration(1<<attempt), MaxBackoff)
}

func parseRetryAfter(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if when, err := http.ParseTime(retryAfter); err == nil {
		if until := time.Until(when); until > 0 {
			return until
		}
	}

	return 0
}

// replayableBody buffers the request body so every attempt can resend it
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		_ = req.Body.Close()
		return req.GetBody, nil
	}

	bodyBytes, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(bodyBytes)), nil
	}, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled during backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func randomJitter() time.Duration {
	return rand.N(MaxJitter)
}

func requestMessage(platform models.Platform) string {
	return "Couldn't reach " + platform.DisplayName() + ". Try again in a bit."
}
