package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medicaid-spend-watch/internal/domain"
)

// ExclusionsClient downloads the OIG LEIE exclusion list and extracts the
// excluded NPIs. The published file carries every exclusion nationwide;
// callers intersect it with their own provider set.
type ExclusionsClient struct {
	url        string
	httpClient *http.Client
	log        *logrus.Logger
}

func NewExclusionsClient(url string, timeout time.Duration, log *logrus.Logger) *ExclusionsClient {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &ExclusionsClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// FetchExcludedNPIs downloads and parses the current LEIE CSV, returning
// every non-empty NPI on it.
func (c *ExclusionsClient) FetchExcludedNPIs(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrExternalAPI, "exclusions", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrExternalAPI, "exclusions", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewPipelineError(domain.ErrExternalAPI, "exclusions",
			fmt.Errorf("exclusion list returned status %d", resp.StatusCode))
	}

	npis, err := ParseExclusions(resp.Body)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrExternalAPI, "exclusions", err)
	}
	c.log.WithField("excluded_npis", len(npis)).Info("Exclusion list fetched")
	return npis, nil
}

// ParseExclusions reads the LEIE CSV from r and returns the distinct NPIs
// it lists. Rows without an NPI (pre-NPI-era exclusions) are skipped.
func ParseExclusions(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading exclusion header: %w", err)
	}
	npiCol := -1
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), "NPI") {
			npiCol = i
			break
		}
	}
	if npiCol < 0 {
		return nil, fmt.Errorf("exclusion list missing NPI column")
	}

	seen := make(map[string]struct{})
	var npis []string
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		if npiCol >= len(row) {
			continue
		}
		npi := strings.TrimSpace(row[npiCol])
		// the file uses 0000000000 for exclusions predating the NPI system
		if npi == "" || npi == "0000000000" {
			continue
		}
		if _, dup := seen[npi]; dup {
			continue
		}
		seen[npi] = struct{}{}
		npis = append(npis, npi)
	}
	return npis, nil
}
