// Package registry resolves company names and SIRET numbers to SIREN through
// the public company search API (recherche-entreprises.api.gouv.fr).
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sirenrich/sirenrich/internal/cache"
	"github.com/sirenrich/sirenrich/internal/model"
	"github.com/sirenrich/sirenrich/internal/retry"
	"github.com/sirenrich/sirenrich/internal/worker"
)

// DefaultBaseURL is the public search API
const DefaultBaseURL = "https://recherche-entreprises.api.gouv.fr"

// ErrNoMatch is returned when the search yields no company
var ErrNoMatch = errors.New("no matching company")

// Company is the subset of a search hit the enrichment needs
type Company struct {
	SIREN               string `json:"siren"`
	Name                string `json:"nom_complet"`
	LegalName           string `json:"nom_raison_sociale,omitempty"`
	Activity            string `json:"activite_principale,omitempty"`
	LegalForm           string `json:"nature_juridique,omitempty"`
	HeadcountBand       string `json:"tranche_effectif_salarie,omitempty"`
	CreationDate        string `json:"date_creation,omitempty"`
	AdministrativeState string `json:"etat_administratif,omitempty"`
}

type searchResponse struct {
	Results      []Company `json:"results"`
	TotalResults int       `json:"total_results"`
}

// StatusError reports a non-2xx response
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %d %s", e.Code, http.StatusText(e.Code))
}

// Options configures a Client
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	MaxBytes  int64                                 // Response body limit
	Limiter   *worker.Limiter                       // Nil disables rate limiting
	Policy    retry.Policy                          // Classifier defaults to Classify
	Cache     cache.Cache                           // Nil disables response caching
	CacheTTL  time.Duration
	Proxy     func(*http.Request) (*url.URL, error) // Nil uses the environment
	Logger    *zap.Logger
}

// Client queries the company search API
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	maxBytes   int64
	limiter    *worker.Limiter
	policy     retry.Policy
	cache      cache.Cache
	cacheTTL   time.Duration
	log        *zap.Logger
}

// NewClient creates a new registry client
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 1 << 20
	}
	if opts.Proxy == nil {
		opts.Proxy = http.ProxyFromEnvironment
	}
	policy := opts.Policy
	if policy.Classify == nil {
		policy = policy.WithClassifier(Classify)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = opts.Proxy

	return &Client{
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return nil
			},
		},
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
		limiter:   opts.Limiter,
		policy:    policy,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		log:       log,
	}
}

// SearchQuery normalizes a user query: SIRET numbers are cut down to their SIREN
func SearchQuery(raw string) string {
	q := strings.TrimSpace(raw)
	compact := strings.NewReplacer(" ", "", "\u00a0", "", "\t", "").Replace(q)
	if len(compact) == 14 && strings.Trim(compact, "0123456789") == "" {
		return compact[:9]
	}
	if model.IsCompanyID(compact) {
		return compact
	}
	return q
}

// Search returns the best match for a name, SIREN or SIRET
func (c *Client) Search(ctx context.Context, query string) (*Company, error) {
	q := SearchQuery(query)
	if q == "" {
		return nil, fmt.Errorf("%w: empty query", ErrNoMatch)
	}

	key := cache.Key("search", q)
	if c.cache != nil {
		if data, ok := c.cache.Get(key); ok {
			var company *Company
			if err := json.Unmarshal(data, &company); err == nil {
				if company == nil {
					return nil, fmt.Errorf("%w: %q", ErrNoMatch, query)
				}
				return company, nil
			}
		}
	}

	endpoint := c.baseURL + "/search?" + url.Values{"q": {q}, "per_page": {"1"}}.Encode()

	var resp searchResponse
	err := c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			c.log.Debug("registry retry", zap.String("query", q), zap.Int("attempt", attempt))
		}
		return c.get(ctx, endpoint, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", q, err)
	}

	var company *Company
	if len(resp.Results) > 0 {
		company = &resp.Results[0]
	}
	if c.cache != nil {
		if data, err := json.Marshal(company); err == nil {
			if err := c.cache.Set(key, data, c.cacheTTL); err != nil {
				c.log.Warn("registry cache write failed", zap.Error(err))
			}
		}
	}
	if company == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoMatch, query)
	}
	return company, nil
}

// Resolve maps a user input to a SIREN. Inputs that already are identifiers
// are returned as is without a request.
func (c *Client) Resolve(ctx context.Context, input string) (string, *Company, error) {
	if id, ok := model.NormalizeID(input); ok {
		return id, nil, nil
	}
	company, err := c.Search(ctx, input)
	if err != nil {
		return "", nil, err
	}
	id, ok := model.NormalizeID(company.SIREN)
	if !ok {
		return "", company, fmt.Errorf("registry returned invalid siren %q", company.SIREN)
	}
	return id, company, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Code: resp.StatusCode}
		if resp.StatusCode == http.StatusTooManyRequests && c.limiter != nil {
			c.limiter.Penalize(endpoint)
		}
		c.log.Warn("registry error status", zap.Int("status", resp.StatusCode), zap.String("url", endpoint))
		return statusErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Classify treats rate limiting, server errors and network failures as transient
func Classify(err error) retry.Class {
	if errors.Is(err, context.Canceled) {
		return retry.Fatal
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500 {
			return retry.Transient
		}
		return retry.Fatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return retry.Transient
	}
	return retry.Fatal
}
