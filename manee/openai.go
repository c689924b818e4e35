package manee

import (
	"context"
	"errors"
	"fmt"
	"github.com/cenkalti/backoff/v4"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"time"
)

// noResponseMessage is the answer used when a completion has no content
const noResponseMessage = "No response from AI."

// ErrRateLimitExceeded is returned when OpenAI kept responding with
// HTTP 429 until the retry budget was used up.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ProviderError wraps any chat completion failure other than an
// exhausted rate limit. These are never retried.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai request failed: %s", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// OpenAIClient is the subset of [openai.Client] used by the bot
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// OpenAI sends questions to the chat completion API, retrying rate
// limited requests with exponential backoff.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	metrics        *metrics

	// newTimer returns the timer used to wait between retries. When
	// nil, backoff's default timer is used.
	newTimer func() backoff.Timer
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		config: config,
		logger: newComponentLogger("openai", config.LogLevel),
	}

	limit := rate.Inf
	if config.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(config.MaxRequestsPerSecond)
	}
	o.requestLimiter = rate.NewLimiter(limit, 1)

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)

	return o
}

// Complete returns OpenAI's answer to question, retrying up to the
// configured [OpenAIConfig.MaxRetries] times while rate limited.
func (o *OpenAI) Complete(ctx context.Context, question string) (string, error) {
	return o.CompleteWithRetries(ctx, question, o.config.MaxRetries)
}

// CompleteWithRetries returns OpenAI's answer to question. When the request
// is rate limited, it's retried up to maxRetries times, waiting
// [OpenAIConfig.InitialBackoff] before the first retry and doubling the
// wait for each one after that.
//
// An exhausted retry budget returns an error wrapping [ErrRateLimitExceeded].
// Any other failure returns a [*ProviderError] without retrying.
func (o *OpenAI) CompleteWithRetries(
	ctx context.Context,
	question string,
	maxRetries int,
) (string, error) {
	logger := loggerFromContext(ctx, o.logger)

	attempt := 0
	operation := func() (string, error) {
		attempt++
		if attempt > 1 {
			o.metrics.observeRetry()
		}
		if err := o.waitOnRequestLimiter(ctx); err != nil {
			return "", backoff.Permanent(err)
		}

		answer, err := o.createChatCompletion(ctx, question)
		if err == nil {
			return answer, nil
		}
		if isRateLimitError(err) {
			logger.WarnContext(ctx, "rate limited", "attempt", attempt, tint.Err(err))
			return "", err
		}
		return "", backoff.Permanent(err)
	}

	notify := func(_ error, wait time.Duration) {
		logger.InfoContext(
			ctx,
			fmt.Sprintf("Rate limit hit, retrying after %s", wait),
			"attempt", attempt,
			"max_retries", maxRetries,
		)
	}

	var timer backoff.Timer
	if o.newTimer != nil {
		timer = o.newTimer()
	}

	answer, err := backoff.RetryNotifyWithTimerAndData(
		operation,
		o.backoffPolicy(ctx, maxRetries),
		notify,
		timer,
	)
	if err == nil {
		return answer, nil
	}
	if isRateLimitError(err) {
		logger.ErrorContext(ctx, "retries exhausted", "attempts", attempt, tint.Err(err))
		return "", fmt.Errorf("%w after %d attempts: %w", ErrRateLimitExceeded, attempt, err)
	}
	logger.ErrorContext(ctx, "chat completion failed", "attempts", attempt, tint.Err(err))
	return "", &ProviderError{Err: err}
}

// backoffPolicy returns the BackOff used by a single call to
// CompleteWithRetries. Waits are 2^n * InitialBackoff with no jitter, and
// the policy stops after maxRetries waits or when ctx is done.
func (o *OpenAI) backoffPolicy(ctx context.Context, maxRetries int) backoff.BackOff {
	if maxRetries < 0 {
		maxRetries = 0
	}
	maxInterval := o.config.MaxBackoff
	if maxInterval < o.config.InitialBackoff {
		maxInterval = o.config.InitialBackoff
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = o.config.InitialBackoff
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = maxInterval
	expo.MaxElapsedTime = 0
	expo.Reset()

	return backoff.WithContext(
		backoff.WithMaxRetries(expo, uint64(maxRetries)),
		ctx,
	)
}

// createChatCompletion makes a single chat completion request with
// question as the only message.
func (o *OpenAI) createChatCompletion(
	ctx context.Context,
	question string,
) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: question,
			},
		},
		MaxTokens: o.config.MaxTokens,
	}

	started := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(started)

	switch {
	case err == nil:
		o.metrics.observeProviderRequest(providerResultSuccess, elapsed)
	case isRateLimitError(err):
		o.metrics.observeProviderRequest(providerResultRateLimited, elapsed)
		return "", err
	default:
		o.metrics.observeProviderRequest(providerResultError, elapsed)
		return "", err
	}

	o.logger.DebugContext(
		ctx,
		"chat completion finished",
		"id", resp.ID,
		"model", resp.Model,
		"duration", elapsed,
		slog.Group(
			"usage",
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens,
		),
	)

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return noResponseMessage, nil
	}
	return resp.Choices[0].Message.Content, nil
}

// waitOnRequestLimiter blocks until the request limiter allows another
// request, or ctx is done.
func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	if o.requestLimiter == nil {
		return nil
	}
	if err := o.requestLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("error waiting on request limiter: %w", err)
	}
	return nil
}

// isRateLimitError reports whether err is an OpenAI HTTP 429 response
func isRateLimitError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
