package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rewired-gh/tokendown/internal/logger"
	"github.com/rewired-gh/tokendown/internal/metrics"
)

// ClientConfig tunes subgraph HTTP access.
type ClientConfig struct {
	Timeout           time.Duration
	MaxRetries        int
	RetryDelayBase    time.Duration
	BatchSize         int     // blocks per aliased query
	RequestsPerSecond float64 // 0 disables pacing
}

// DefaultClientConfig returns the settings used for any zero ClientConfig field.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:           30 * time.Second,
		MaxRetries:        3,
		RetryDelayBase:    time.Second,
		BatchSize:         100,
		RequestsPerSecond: 5,
	}
}

// SubgraphSource reads prices from a Uniswap-v2-style subgraph (Uniswap v2,
// SushiSwap exchange). Token prices come from token.derivedETH and ETH/USD from
// bundle.ethPrice.
type SubgraphSource struct {
	name       string
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	cfg        ClientConfig
}

// NewSubgraphSource creates a source named name that queries the GraphQL endpoint url.
func NewSubgraphSource(name, url string, cfg ClientConfig) *SubgraphSource {
	def := DefaultClientConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = def.RetryDelayBase
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &SubgraphSource{
		name:       name,
		url:        url,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		cfg:        cfg,
	}
}

func (s *SubgraphSource) Name() string { return s.name }

type graphQLRequest struct {
	Query string `json:"query"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []graphQLError             `json:"errors"`
}

type tokenEntity struct {
	DerivedETH string `json:"derivedETH"`
}

type bundleEntity struct {
	ETHPrice string `json:"ethPrice"`
}

// TokenPrices returns the token's ETH price at each block. Blocks where the
// subgraph has no entity for the token (not yet listed) yield 0.
func (s *SubgraphSource) TokenPrices(ctx context.Context, address string, blocks []int64) ([]float64, error) {
	id := strings.ToLower(address)
	return s.fetchBlocks(ctx, blocks,
		func(b int64) string {
			return fmt.Sprintf(`b%d: token(id: %q, block: {number: %d}) { derivedETH }`, b, id, b)
		},
		func(raw json.RawMessage) (float64, bool, error) {
			var t *tokenEntity
			if err := json.Unmarshal(raw, &t); err != nil {
				return 0, false, err
			}
			if t == nil {
				return 0, false, nil
			}
			v, err := strconv.ParseFloat(t.DerivedETH, 64)
			return v, true, err
		},
	)
}

// ETHPrices returns ETH/USD at each block.
func (s *SubgraphSource) ETHPrices(ctx context.Context, blocks []int64) ([]float64, error) {
	return s.fetchBlocks(ctx, blocks,
		func(b int64) string {
			return fmt.Sprintf(`b%d: bundle(id: "1", block: {number: %d}) { ethPrice }`, b, b)
		},
		func(raw json.RawMessage) (float64, bool, error) {
			var bundle *bundleEntity
			if err := json.Unmarshal(raw, &bundle); err != nil {
				return 0, false, err
			}
			if bundle == nil {
				return 0, false, nil
			}
			v, err := strconv.ParseFloat(bundle.ETHPrice, 64)
			return v, true, err
		},
	)
}

// LatestBlock returns the subgraph's indexing head.
func (s *SubgraphSource) LatestBlock(ctx context.Context) (int64, error) {
	resp, err := s.query(ctx, `{ _meta { block { number } } }`)
	if err != nil {
		return 0, err
	}
	raw, ok := resp.Data["_meta"]
	if !ok {
		return 0, fmt.Errorf("%s: response has no _meta", s.name)
	}

	var meta struct {
		Block struct {
			Number int64 `json:"number"`
		} `json:"block"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return 0, fmt.Errorf("failed to decode _meta: %w", err)
	}
	return meta.Block.Number, nil
}

// fetchBlocks queries one aliased field per block in batches and parses each
// entity. parse reports ok=false for a null entity.
func (s *SubgraphSource) fetchBlocks(
	ctx context.Context,
	blocks []int64,
	field func(block int64) string,
	parse func(raw json.RawMessage) (float64, bool, error),
) ([]float64, error) {
	out := make([]float64, 0, len(blocks))
	missing := 0

	for start := 0; start < len(blocks); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(blocks) {
			end = len(blocks)
		}
		batch := blocks[start:end]

		var q strings.Builder
		q.WriteString("{\n")
		for _, b := range batch {
			q.WriteString(field(b))
			q.WriteByte('\n')
		}
		q.WriteString("}")

		resp, err := s.query(ctx, q.String())
		if err != nil {
			return nil, err
		}

		for _, b := range batch {
			raw, ok := resp.Data[fmt.Sprintf("b%d", b)]
			if !ok {
				return nil, fmt.Errorf("%s: response missing block %d", s.name, b)
			}
			v, found, err := parse(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: failed to parse block %d: %w", s.name, b, err)
			}
			if !found {
				missing++
			}
			out = append(out, v)
		}
	}

	if missing > 0 {
		logger.Warn("%s: %d of %d blocks had no entity, priced at 0", s.name, missing, len(blocks))
	}
	return out, nil
}

func (s *SubgraphSource) query(ctx context.Context, q string) (*graphQLResponse, error) {
	body, err := json.Marshal(graphQLRequest{Query: q})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	resp, err := s.doRequest(ctx, body)
	if err != nil {
		metrics.SubgraphRequests.WithLabelValues(s.name, "error").Inc()
		return nil, fmt.Errorf("%s: failed to query subgraph: %w", s.name, err)
	}
	defer resp.Body.Close()

	var gr graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		metrics.SubgraphRequests.WithLabelValues(s.name, "error").Inc()
		return nil, fmt.Errorf("%s: failed to decode response: %w", s.name, err)
	}
	if len(gr.Errors) > 0 {
		metrics.SubgraphRequests.WithLabelValues(s.name, "error").Inc()
		return nil, fmt.Errorf("%s: subgraph error: %s", s.name, gr.Errors[0].Message)
	}

	metrics.SubgraphRequests.WithLabelValues(s.name, "success").Inc()
	return &gr, nil
}

// doRequest performs the HTTP request with linear-backoff retry on transport
// errors and 5xx responses.
func (s *SubgraphSource) doRequest(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error

	for i := 0; i < s.cfg.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.RetryDelayBase * time.Duration(i)):
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
			logger.Debug("%s: request attempt %d failed: %v", s.name, i+1, err)
			continue
		}

		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
