// Package trend attaches optional search-trend momentum to topics.
package trend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/GapFinder/internal/logger"
	"github.com/TobiSchelling/GapFinder/internal/model"
	"github.com/TobiSchelling/GapFinder/internal/retry"
)

// ErrUnavailable means the collaborator has no data for a topic.
var ErrUnavailable = errors.New("trend data unavailable")

// Provider looks up trend momentum for a topic.
type Provider interface {
	Lookup(ctx context.Context, topic string) (*model.TrendSignal, error)
}

// NopProvider is used when trend enrichment is disabled.
type NopProvider struct{}

func (NopProvider) Lookup(context.Context, string) (*model.TrendSignal, error) {
	return nil, ErrUnavailable
}

type lookupResponse struct {
	Unavailable   bool   `json:"unavailable"`
	InterestScore *int   `json:"interest_score" validate:"required,gte=0,lte=100"`
	Trajectory    string `json:"trajectory" validate:"required"`
}

// HTTPProvider queries a trend service over HTTP:
// GET {url}?topic=... → {"interest_score": 0-100, "trajectory": "rising|stable|falling"}.
type HTTPProvider struct {
	URL      string
	client   *http.Client
	validate *validator.Validate
}

// NewHTTPProvider creates a provider for the service at baseURL.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		URL:      baseURL,
		client:   &http.Client{Timeout: timeout},
		validate: validator.New(),
	}
}

// Lookup returns ErrUnavailable for a 404 or an explicit unavailable
// answer. Other failures are returned as errors.
func (h *HTTPProvider) Lookup(ctx context.Context, topic string) (*model.TrendSignal, error) {
	u, err := url.Parse(h.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing trend url: %w", err)
	}
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trend service error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("trend service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out lookupResponse
	dec := json.NewDecoder(resp.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding trend response: %w", err)
	}
	if out.Unavailable {
		return nil, ErrUnavailable
	}
	if err := h.validate.Struct(out); err != nil {
		return nil, fmt.Errorf("invalid trend response: %w", err)
	}
	trajectory, ok := model.ParseTrajectory(out.Trajectory)
	if !ok {
		return nil, fmt.Errorf("invalid trend trajectory %q", out.Trajectory)
	}

	return &model.TrendSignal{
		Topic:         topic,
		InterestScore: *out.InterestScore,
		Trajectory:    trajectory,
	}, nil
}

// Enricher wraps a Provider so that every failure degrades to nil.
type Enricher struct {
	provider    Provider
	retry       retry.Config
	concurrency int
	log         logger.Logger
}

// NewEnricher creates an enricher. A nil provider behaves like NopProvider.
func NewEnricher(provider Provider, retryCfg retry.Config, concurrency int, log logger.Logger) *Enricher {
	if provider == nil {
		provider = NopProvider{}
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	retryCfg.IsRetryable = func(err error) bool {
		return !errors.Is(err, ErrUnavailable) && !errors.Is(err, context.Canceled)
	}
	return &Enricher{provider: provider, retry: retryCfg, concurrency: concurrency, log: log}
}

// Enrich returns the trend signal for topic, or nil when none is available.
func (e *Enricher) Enrich(ctx context.Context, topic string) *model.TrendSignal {
	if _, nop := e.provider.(NopProvider); nop {
		return nil
	}

	var signal *model.TrendSignal
	err := retry.Do(ctx, e.retry, func(ctx context.Context) error {
		s, err := e.provider.Lookup(ctx, topic)
		if err != nil {
			return err
		}
		signal = s
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			e.log.Warn("trend lookup failed", logger.String("topic", topic), logger.Error(err))
		}
		return nil
	}
	return signal
}

// EnrichAll looks up every topic concurrently. The result is aligned with
// topics and holds nil where no signal is available.
func (e *Enricher) EnrichAll(ctx context.Context, topics []string) []*model.TrendSignal {
	out := make([]*model.TrendSignal, len(topics))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := range topics {
		i := i
		g.Go(func() error {
			out[i] = e.Enrich(ctx, topics[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}
