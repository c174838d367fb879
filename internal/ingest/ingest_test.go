package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medicaid-spend-watch/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

const spendCSV = `BILLING_PROVIDER_NPI_NUM,CLAIM_FROM_MONTH,HCPCS_CODE,TOTAL_PAID,TOTAL_CLAIMS,TOTAL_UNIQUE_BENEFICIARIES
1000000001,2023-01-01,99213,1500.50,12,9
1000000002,2023-01,A0425,800,5,4
1000000003,2023-02-01,99213,not-a-number,5,4
,2023-02-01,99213,100,5,4
1000000004,2023-03-01,99214,950,8,*
`

func TestSpendLoader_Load(t *testing.T) {
	loader := NewSpendLoader(testLogger())

	records, err := loader.Load(context.Background(), strings.NewReader(spendCSV), nil)
	require.NoError(t, err)
	// the bad-amount row and the blank-NPI row are skipped
	require.Len(t, records, 3)

	first := records[0]
	assert.Equal(t, "1000000001", first.BillingNPI)
	assert.Equal(t, "99213", first.HCPCSCode)
	assert.Equal(t, 1500.50, first.TotalPaid)
	assert.Equal(t, int64(12), first.TotalClaims)
	assert.Equal(t, int64(9), first.UniqueBeneficiaries)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), first.Period)

	// YYYY-MM periods normalize to first-of-month
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), records[1].Period)

	// suppressed beneficiary cells load as zero, keeping the row
	assert.Equal(t, int64(0), records[2].UniqueBeneficiaries)
}

func TestSpendLoader_ScopeFilter(t *testing.T) {
	loader := NewSpendLoader(testLogger())
	scope := map[string]struct{}{"1000000002": {}}

	records, err := loader.Load(context.Background(), strings.NewReader(spendCSV), scope)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1000000002", records[0].BillingNPI)
}

func TestLoadScopeFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "scope.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`["1000000001", "1000000002", ""]`), 0o644))
	scope, err := LoadScopeFile(jsonPath)
	require.NoError(t, err)
	assert.Len(t, scope, 2)
	assert.Contains(t, scope, "1000000001")

	linePath := filepath.Join(dir, "scope.txt")
	require.NoError(t, os.WriteFile(linePath, []byte("# county scope\n1000000003\n\n1000000004\n"), 0o644))
	scope, err = LoadScopeFile(linePath)
	require.NoError(t, err)
	assert.Len(t, scope, 2)
	assert.Contains(t, scope, "1000000004")

	_, err = LoadScopeFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.Equal(t, domain.ErrInput, domain.ErrorCode(err))
}

func TestSpendLoader_MissingColumn(t *testing.T) {
	loader := NewSpendLoader(testLogger())

	_, err := loader.Load(context.Background(),
		strings.NewReader("BILLING_PROVIDER_NPI_NUM,HCPCS_CODE\n1000000001,99213\n"), nil)
	require.Error(t, err)
	assert.Equal(t, domain.ErrInput, domain.ErrorCode(err))
}

const leieCSV = `LASTNAME,FIRSTNAME,NPI,EXCLTYPE,EXCLDATE
DOE,JANE,1000000001,1128b4,20200101
SMITH,JOHN,0000000000,1128a1,19950101
ACME CORP,,1000000002,1128b7,20210601
DUP,ROW,1000000001,1128b4,20200101
`

func TestParseExclusions(t *testing.T) {
	npis, err := ParseExclusions(strings.NewReader(leieCSV))
	require.NoError(t, err)
	// pre-NPI-era rows and duplicates drop out
	assert.Equal(t, []string{"1000000001", "1000000002"}, npis)
}

func TestExclusionsClient_FetchExcludedNPIs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(leieCSV))
	}))
	defer srv.Close()

	client := NewExclusionsClient(srv.URL, time.Second, testLogger())
	npis, err := client.FetchExcludedNPIs(context.Background())
	require.NoError(t, err)
	assert.Len(t, npis, 2)
}

func TestExclusionsClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewExclusionsClient(srv.URL, time.Second, testLogger())
	_, err := client.FetchExcludedNPIs(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.ErrExternalAPI, domain.ErrorCode(err))
}

const registryJSON = `{
	"result_count": 1,
	"results": [{
		"number": "1000000001",
		"enumeration_type": "NPI-2",
		"basic": {
			"organization_name": "CLARK COUNTY HEALTH LLC",
			"authorized_official_first_name": "JANE",
			"authorized_official_last_name": "DOE",
			"authorized_official_title_or_position": "OWNER",
			"last_updated": "2023-04-15"
		},
		"addresses": [
			{"address_purpose": "LOCATION", "address_1": "100 MAIN ST", "city": "VANCOUVER", "state": "WA", "postal_code": "98660"},
			{"address_purpose": "MAILING", "address_1": "PO BOX 42", "city": "VANCOUVER", "state": "WA", "postal_code": "98660"}
		],
		"taxonomies": [
			{"desc": "Internal Medicine", "primary": false},
			{"desc": "Family Medicine", "primary": true}
		]
	}]
}`

func newRegistryClient(t *testing.T, handler http.HandlerFunc) (*RegistryClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewRegistryClient(RegistryConfig{
		BaseURL:   srv.URL,
		Timeout:   time.Second,
		RateLimit: 100,
		CacheSize: 16,
		CacheTTL:  time.Minute,
	}, testLogger())
	return client, srv
}

func TestRegistryClient_Lookup(t *testing.T) {
	client, _ := newRegistryClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2.1", r.URL.Query().Get("version"))
		assert.Equal(t, "1000000001", r.URL.Query().Get("number"))
		w.Write([]byte(registryJSON))
	})

	p, err := client.Lookup(context.Background(), "1000000001")
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, "1000000001", p.NPI)
	require.NotNil(t, p.Name)
	assert.Equal(t, "CLARK COUNTY HEALTH LLC", *p.Name)
	require.NotNil(t, p.TaxonomyDesc)
	assert.Equal(t, "Family Medicine", *p.TaxonomyDesc) // primary wins
	require.NotNil(t, p.City)
	assert.Equal(t, "VANCOUVER", *p.City)
	require.NotNil(t, p.AuthOfficialName)
	assert.Equal(t, "JANE DOE", *p.AuthOfficialName)
	require.NotNil(t, p.MailingAddress)
	assert.Equal(t, "PO BOX 42, VANCOUVER, WA, 98660", *p.MailingAddress)
	require.NotNil(t, p.LastUpdated)
	assert.Equal(t, 2023, p.LastUpdated.Year())
}

func TestRegistryClient_UnknownNPI(t *testing.T) {
	client, _ := newRegistryClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result_count": 0, "results": []}`))
	})

	p, err := client.Lookup(context.Background(), "1999999999")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestRegistryClient_CachesLookups(t *testing.T) {
	var calls int64
	client, _ := newRegistryClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Write([]byte(registryJSON))
	})

	ctx := context.Background()
	_, err := client.Lookup(ctx, "1000000001")
	require.NoError(t, err)
	_, err = client.Lookup(ctx, "1000000001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestRegistryClient_BreakerOpensOnFailures(t *testing.T) {
	client, _ := newRegistryClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := client.Lookup(ctx, "1000000001")
		require.Error(t, err)
		assert.Equal(t, domain.ErrExternalAPI, domain.ErrorCode(err))
	}
}
