package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/medicaid-spend-watch/internal/domain"
)

// RegistryConfig configures the NPPES registry client.
type RegistryConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit int // requests per second
	CacheSize int
	CacheTTL  time.Duration
}

// RegistryClient looks up provider identity records in the NPPES NPI
// registry. Calls are rate limited, guarded by a circuit breaker and
// memoized in an expiring LRU so re-runs over the same county do not
// hammer the public API.
type RegistryClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	cache      *expirable.LRU[string, *domain.Provider]
	log        *logrus.Logger
}

// registryResponse mirrors the NPPES API v2.1 JSON envelope, reduced to
// the fields enrichment consumes.
type registryResponse struct {
	ResultCount int `json:"result_count"`
	Results     []struct {
		Number          string `json:"number"`
		EnumerationType string `json:"enumeration_type"`
		Basic           struct {
			OrganizationName string `json:"organization_name"`
			FirstName        string `json:"first_name"`
			LastName         string `json:"last_name"`
			AuthFirstName    string `json:"authorized_official_first_name"`
			AuthLastName     string `json:"authorized_official_last_name"`
			AuthTitle        string `json:"authorized_official_title_or_position"`
			LastUpdated      string `json:"last_updated"`
		} `json:"basic"`
		Addresses []struct {
			AddressPurpose string `json:"address_purpose"`
			Address1       string `json:"address_1"`
			City           string `json:"city"`
			State          string `json:"state"`
			PostalCode     string `json:"postal_code"`
		} `json:"addresses"`
		Taxonomies []struct {
			Desc    string `json:"desc"`
			Primary bool   `json:"primary"`
		} `json:"taxonomies"`
	} `json:"results"`
}

func NewRegistryClient(cfg RegistryConfig, log *logrus.Logger) *RegistryClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://npiregistry.cms.hhs.gov/api/"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 5
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 4096
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 24 * time.Hour
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "NPPES",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("Circuit breaker state change")
		},
	})

	return &RegistryClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/") + "/",
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		breaker:    breaker,
		cache:      expirable.NewLRU[string, *domain.Provider](cfg.CacheSize, nil, cfg.CacheTTL),
		log:        log,
	}
}

// Lookup fetches the registry record for one NPI. A valid NPI that the
// registry does not know returns (nil, nil); transport and breaker
// failures return an EXTERNAL_API_ERROR.
func (c *RegistryClient) Lookup(ctx context.Context, npi string) (*domain.Provider, error) {
	if p, ok := c.cache.Get(npi); ok {
		return p, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.NewPipelineError(domain.ErrExternalAPI, "registry", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, npi)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, domain.NewPipelineError(domain.ErrExternalAPI, "registry",
				fmt.Errorf("registry unavailable (circuit breaker open)"))
		}
		return nil, domain.NewPipelineError(domain.ErrExternalAPI, "registry", err)
	}

	p := result.(*domain.Provider)
	if p != nil {
		c.cache.Add(npi, p)
	}
	return p, nil
}

func (c *RegistryClient) fetch(ctx context.Context, npi string) (*domain.Provider, error) {
	q := url.Values{}
	q.Set("version", "2.1")
	q.Set("number", npi)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request for %s: %w", npi, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d for %s", resp.StatusCode, npi)
	}

	var rr registryResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decoding registry response for %s: %w", npi, err)
	}
	if rr.ResultCount == 0 || len(rr.Results) == 0 {
		return nil, nil
	}
	return c.toProvider(npi, &rr), nil
}

func (c *RegistryClient) toProvider(npi string, rr *registryResponse) *domain.Provider {
	rec := rr.Results[0]
	p := &domain.Provider{NPI: npi}

	name := rec.Basic.OrganizationName
	if name == "" {
		name = strings.TrimSpace(rec.Basic.FirstName + " " + rec.Basic.LastName)
	}
	setIfNotEmpty(&p.Name, name)
	setIfNotEmpty(&p.OrgType, rec.EnumerationType)

	authName := strings.TrimSpace(rec.Basic.AuthFirstName + " " + rec.Basic.AuthLastName)
	setIfNotEmpty(&p.AuthOfficialName, authName)
	setIfNotEmpty(&p.AuthOfficialTitle, rec.Basic.AuthTitle)

	for _, t := range rec.Taxonomies {
		if t.Primary {
			setIfNotEmpty(&p.TaxonomyDesc, t.Desc)
			break
		}
	}
	if p.TaxonomyDesc == nil && len(rec.Taxonomies) > 0 {
		setIfNotEmpty(&p.TaxonomyDesc, rec.Taxonomies[0].Desc)
	}

	for _, a := range rec.Addresses {
		switch a.AddressPurpose {
		case "LOCATION":
			setIfNotEmpty(&p.City, a.City)
			setIfNotEmpty(&p.State, a.State)
			setIfNotEmpty(&p.PostalCode, a.PostalCode)
		case "MAILING":
			var parts []string
			for _, s := range []string{a.Address1, a.City, a.State, a.PostalCode} {
				if s = strings.TrimSpace(s); s != "" {
					parts = append(parts, s)
				}
			}
			setIfNotEmpty(&p.MailingAddress, strings.Join(parts, ", "))
		}
	}

	if rec.Basic.LastUpdated != "" {
		if t, err := time.Parse("2006-01-02", rec.Basic.LastUpdated); err == nil {
			p.LastUpdated = &t
		}
	}
	return p
}

func setIfNotEmpty(dst **string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = &v
	}
}

// BreakerState exposes the breaker for health reporting.
func (c *RegistryClient) BreakerState() gobreaker.State {
	return c.breaker.State()
}
