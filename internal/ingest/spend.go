// Package ingest feeds the embedded store from external sources: the
// state spend CSV extract, the NPPES provider registry and the OIG LEIE
// exclusion list. Each collaborator is optional at run time; the
// screening core only assumes the ledger and benchmarks tables exist.
package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medicaid-spend-watch/internal/domain"
)

// spend extract headers as published; matching is case-insensitive.
const (
	colBillingNPI    = "BILLING_PROVIDER_NPI_NUM"
	colPeriod        = "CLAIM_FROM_MONTH"
	colHCPCS         = "HCPCS_CODE"
	colTotalPaid     = "TOTAL_PAID"
	colTotalClaims   = "TOTAL_CLAIMS"
	colBeneficiaries = "TOTAL_UNIQUE_BENEFICIARIES"
)

var periodLayouts = []string{"2006-01-02", "2006-01", "01/2006", "2006-01-02 15:04:05"}

// SpendLoader parses the monthly spend extract into ledger records,
// optionally restricted to a set of in-scope NPIs.
type SpendLoader struct {
	log *logrus.Logger
}

func NewSpendLoader(log *logrus.Logger) *SpendLoader {
	return &SpendLoader{log: log}
}

// LoadFile reads the CSV at path. scope limits records to the given NPIs;
// a nil or empty scope keeps everything.
func (l *SpendLoader) LoadFile(ctx context.Context, path string, scope map[string]struct{}) ([]domain.SpendRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrInput, "spend-csv", err)
	}
	defer f.Close()
	return l.Load(ctx, f, scope)
}

// Load parses records from r. Malformed rows are counted and skipped;
// a malformed header is fatal.
func (l *SpendLoader) Load(ctx context.Context, r io.Reader, scope map[string]struct{}) ([]domain.SpendRecord, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrInput, "spend-csv",
			fmt.Errorf("reading header: %w", err))
	}
	idx, err := headerIndex(header,
		colBillingNPI, colPeriod, colHCPCS, colTotalPaid, colTotalClaims, colBeneficiaries)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrInput, "spend-csv", err)
	}

	var (
		records         []domain.SpendRecord
		skipped, scoped int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, domain.NewPipelineError(domain.ErrInput, "spend-csv", err)
		}
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		npi := strings.TrimSpace(row[idx[colBillingNPI]])
		if npi == "" {
			skipped++
			continue
		}
		if len(scope) > 0 {
			if _, ok := scope[npi]; !ok {
				scoped++
				continue
			}
		}

		period, err := parseSpendPeriod(row[idx[colPeriod]])
		if err != nil {
			skipped++
			continue
		}
		hcpcs := strings.TrimSpace(row[idx[colHCPCS]])
		if hcpcs == "" {
			skipped++
			continue
		}
		paid, err := strconv.ParseFloat(strings.TrimSpace(row[idx[colTotalPaid]]), 64)
		if err != nil {
			skipped++
			continue
		}
		claims, err := strconv.ParseInt(strings.TrimSpace(row[idx[colTotalClaims]]), 10, 64)
		if err != nil {
			skipped++
			continue
		}
		// beneficiary counts are suppressed for small cells; keep the row
		benes, err := strconv.ParseInt(strings.TrimSpace(row[idx[colBeneficiaries]]), 10, 64)
		if err != nil {
			benes = 0
		}

		records = append(records, domain.SpendRecord{
			BillingNPI:          npi,
			Period:              period,
			HCPCSCode:           hcpcs,
			TotalPaid:           paid,
			TotalClaims:         claims,
			UniqueBeneficiaries: benes,
		})
	}

	l.log.WithFields(logrus.Fields{
		"records":      len(records),
		"skipped":      skipped,
		"out_of_scope": scoped,
	}).Info("Spend extract parsed")
	return records, nil
}

func headerIndex(header []string, want ...string) (map[string]int, error) {
	idx := make(map[string]int, len(want))
	for i, h := range header {
		idx[strings.ToUpper(strings.TrimSpace(h))] = i
	}
	out := make(map[string]int, len(want))
	for _, w := range want {
		i, ok := idx[w]
		if !ok {
			return nil, fmt.Errorf("spend extract missing column %s", w)
		}
		out[w] = i
	}
	return out, nil
}

func parseSpendPeriod(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range periodLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			// normalize to first-of-month
			return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable period %q", s)
}

// LoadScopeFile reads the in-scope NPI set, either as a JSON string array
// or as one NPI per line (blank lines and #-comments ignored).
func LoadScopeFile(path string) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrInput, "npi-scope", err)
	}

	scope := make(map[string]struct{})
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "[") {
		var npis []string
		if err := json.Unmarshal([]byte(trimmed), &npis); err != nil {
			return nil, domain.NewPipelineError(domain.ErrInput, "npi-scope",
				fmt.Errorf("parsing scope file: %w", err))
		}
		for _, npi := range npis {
			if npi = strings.TrimSpace(npi); npi != "" {
				scope[npi] = struct{}{}
			}
		}
		return scope, nil
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		scope[line] = struct{}{}
	}
	return scope, nil
}
