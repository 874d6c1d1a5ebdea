package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/TobiSchelling/GapFinder/internal/logger"
	"github.com/TobiSchelling/GapFinder/internal/retry"
)

var (
	// ErrMalformedResponse marks a response that failed schema validation.
	ErrMalformedResponse = errors.New("malformed llm response")
	// ErrNoProvider is returned when the client has no provider to call.
	ErrNoProvider = errors.New("no llm provider available")
)

// Call outcomes reported to Options.OnCall.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeMalformed = "malformed"
)

// Request is one exchange with the LLM collaborator.
type Request struct {
	// Instructions tell the model what to extract or judge.
	Instructions string
	// BatchedText is the input the instructions apply to.
	BatchedText string
	// Schema is the JSON shape the response must follow, shown to the model.
	Schema string
}

// Prompt renders the request as a single prompt.
func (r Request) Prompt() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(r.Instructions))
	b.WriteString("\n\nRespond with ONLY a JSON object matching this schema, no prose:\n")
	b.WriteString(strings.TrimSpace(r.Schema))
	b.WriteString("\n\nInput:\n")
	b.WriteString(r.BatchedText)
	return b.String()
}

// Options configures a Client.
type Options struct {
	MaxTokens         int
	RequestsPerSecond float64
	Burst             int
	Retry             retry.Config
	// OnCall is invoked once per provider call with an outcome constant.
	OnCall func(outcome string)
}

// Client sends protocol requests through a provider with rate limiting,
// retries and strict response validation.
type Client struct {
	provider  Provider
	limiter   *rate.Limiter
	retry     retry.Config
	maxTokens int
	validate  *validator.Validate
	onCall    func(string)
	log       logger.Logger
}

// NewClient wraps provider. A nil provider yields a client whose calls fail
// with ErrNoProvider.
func NewClient(provider Provider, opts Options, log logger.Logger) *Client {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	if log == nil {
		log = logger.NewNop()
	}

	c := &Client{
		provider:  provider,
		limiter:   rate.NewLimiter(limit, burst),
		retry:     opts.Retry,
		maxTokens: maxTokens,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		onCall:    opts.OnCall,
		log:       log,
	}
	c.retry.IsRetryable = isRetryable
	return c
}

// Available reports whether calls can reach a provider.
func (c *Client) Available() bool {
	return c != nil && c.provider != nil
}

func isRetryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrNoProvider),
		errors.Is(err, ErrNotConfigured):
		return false
	}
	return true
}

func (c *Client) record(outcome string) {
	if c.onCall != nil {
		c.onCall(outcome)
	}
}

// Call sends req and decodes the response into T. The response must decode
// strictly, pass T's validate tags and pass check (if non-nil). Failures of
// any kind are retried with backoff.
func Call[T any](ctx context.Context, c *Client, req Request, check func(*T) error) (T, error) {
	var result T
	if !c.Available() {
		return result, ErrNoProvider
	}

	prompt := req.Prompt()
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		text, err := c.provider.Generate(ctx, prompt, c.maxTokens)
		if err != nil {
			c.record(OutcomeError)
			return err
		}

		var out T
		err = c.parse(text, &out)
		if err == nil && check != nil {
			if cerr := check(&out); cerr != nil {
				err = fmt.Errorf("%w: %v", ErrMalformedResponse, cerr)
			}
		}
		if err != nil {
			c.record(OutcomeMalformed)
			c.log.Warn("llm response rejected",
				logger.Error(err),
				logger.String("payload", truncate(text, 2000)))
			return err
		}

		c.record(OutcomeOK)
		result = out
		return nil
	})
	return result, err
}

func (c *Client) parse(text string, out any) error {
	if err := DecodeStrict(text, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := c.validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
