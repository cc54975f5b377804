package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/repositories"
)

// maxAPIResponseBytes caps how much of an API response is read. Endpoints
// streaming more than this are misregistered, not rows.
const maxAPIResponseBytes = 16 << 20

// defaultAPITimeout bounds one HTTP round trip unless the task overrides it.
const defaultAPITimeout = 30 * time.Second

// APICaller performs API_CALL tasks. A task_reference names an api_catalog
// entry whose registered defaults the task_config may override; a task with
// no reference must carry a url in its config. Each endpoint gets its own
// circuit breaker so a flapping API stops consuming retry budget quickly.
type APICaller struct {
	catalog repositories.SourceCatalogRepository
	client  *http.Client
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewAPICaller wires the caller. catalog may be nil when no api_catalog is
// deployed; only config-addressed calls work then.
func NewAPICaller(catalog repositories.SourceCatalogRepository, logger *zap.Logger) *APICaller {
	return &APICaller{
		catalog:  catalog,
		client:   &http.Client{Timeout: defaultAPITimeout},
		logger:   logger.Named("api"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

var _ APIExecutor = (*APICaller)(nil)

// callSpec is a fully resolved request: catalog defaults with task_config
// overrides applied.
type callSpec struct {
	name     string
	url      string
	method   string
	headers  jsonutil.Document
	body     jsonutil.Document
	dataPath string
	timeout  time.Duration
}

// Call resolves reference, performs the request through the endpoint's
// circuit breaker and returns the extracted response.
func (c *APICaller) Call(ctx context.Context, reference string, config jsonutil.Document) (jsonutil.Document, error) {
	spec, fromCatalog, err := c.resolve(ctx, reference, config)
	if err != nil {
		return nil, err
	}

	result, err := c.breaker(spec.name).Execute(func() (any, error) {
		return c.do(ctx, spec)
	})
	if err != nil {
		return nil, err
	}

	if fromCatalog {
		if err := c.catalog.TouchAPIFetched(ctx, spec.name, time.Now().UTC()); err != nil {
			c.logger.Warn("failed to record api fetch time",
				zap.String("api", spec.name),
				zap.Error(err))
		}
	}

	return result.(jsonutil.Document), nil
}

func (c *APICaller) resolve(ctx context.Context, reference string, config jsonutil.Document) (*callSpec, bool, error) {
	spec := &callSpec{
		name:    reference,
		method:  http.MethodGet,
		timeout: defaultAPITimeout,
	}
	fromCatalog := false

	if reference != "" && c.catalog != nil {
		entry, err := c.catalog.GetAPIByName(ctx, reference)
		if err != nil {
			return nil, false, fmt.Errorf("failed to resolve api %q: %w", reference, err)
		}
		if !entry.Active {
			return nil, false, fmt.Errorf("api %q is inactive: %w", reference, apperrors.ErrUnavailable)
		}
		spec.url = entry.URL
		if entry.Method != "" {
			spec.method = strings.ToUpper(entry.Method)
		}
		spec.headers = entry.Headers
		spec.body = entry.Body
		spec.dataPath = entry.DataPath
		fromCatalog = true
	}

	// Task overrides win over registered defaults.
	if v := config.GetString("url"); v != "" {
		spec.url = v
	}
	if v := config.GetString("method"); v != "" {
		spec.method = strings.ToUpper(v)
	}
	if v := config.GetDocument("headers"); len(v) > 0 {
		spec.headers = spec.headers.Merge(v)
	}
	if v := config.GetDocument("body"); len(v) > 0 {
		spec.body = v
	}
	if v := config.GetString("data_path"); v != "" {
		spec.dataPath = v
	}
	if v := config.GetInt("timeout_seconds", 0); v > 0 {
		spec.timeout = time.Duration(v) * time.Second
	}
	if spec.name == "" {
		spec.name = spec.url
	}

	if spec.url == "" {
		return nil, false, fmt.Errorf("api call has no url: %w", apperrors.ErrInvalidConfig)
	}
	return spec, fromCatalog, nil
}

func (c *APICaller) do(ctx context.Context, spec *callSpec) (jsonutil.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, spec.timeout)
	defer cancel()

	var body io.Reader
	if len(spec.body) > 0 {
		raw, err := json.Marshal(spec.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode api body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, spec.method, spec.url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build api request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for key := range spec.headers {
		req.Header.Set(key, spec.headers.GetString(key))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read api response: %w", err)
	}

	// 5xx is transient and feeds the task retry policy; 4xx is a contract
	// problem no retry will fix.
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("api %s returned %d: %w", spec.name, resp.StatusCode, apperrors.ErrUnavailable)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api %s returned %d", spec.name, resp.StatusCode)
	}

	data, rowCount := extractData(raw, spec.dataPath)
	output := jsonutil.Document{
		"api":         spec.name,
		"status_code": resp.StatusCode,
		"row_count":   rowCount,
	}
	if data != nil {
		output["data"] = data
	}

	c.logger.Info("api call completed",
		zap.String("api", spec.name),
		zap.Int("status_code", resp.StatusCode),
		zap.Int("row_count", rowCount))
	return output, nil
}

// breaker returns the endpoint's circuit breaker, creating it on first use.
// Five consecutive failures open the circuit; it half-opens after 60s.
func (c *APICaller) breaker(name string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("api circuit state changed",
				zap.String("api", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.breakers[name] = cb
	return cb
}

// extractData parses the response body and walks dataPath ("a.b.c") down to
// the payload. Row count is the payload's length when it is an array.
func extractData(raw []byte, dataPath string) (any, int) {
	if len(raw) == 0 {
		return nil, 0
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Non-JSON payloads are kept verbatim.
		return string(raw), 0
	}

	if dataPath != "" {
		for _, field := range strings.Split(dataPath, ".") {
			obj, ok := parsed.(map[string]any)
			if !ok {
				break
			}
			parsed, ok = obj[field]
			if !ok {
				parsed = nil
				break
			}
		}
	}

	if items, ok := parsed.([]any); ok {
		return parsed, len(items)
	}
	return parsed, 0
}
