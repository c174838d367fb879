// Package report renders the investigation-leads document: the top
// flagged providers with their evidence and the public-records searches
// an analyst would run next.
package report

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medicaid-spend-watch/internal/domain"
	"github.com/medicaid-spend-watch/internal/repository"
)

// Generator builds markdown reports from the screening store.
type Generator struct {
	providers *repository.ProviderRepository
	flags     *repository.FlagRepository
	scope     domain.ScopeConfig
	log       *logrus.Logger
}

func NewGenerator(providers *repository.ProviderRepository, flags *repository.FlagRepository, scope domain.ScopeConfig, log *logrus.Logger) *Generator {
	return &Generator{providers: providers, flags: flags, scope: scope, log: log}
}

// InvestigationLeads renders the top flagged providers as markdown, most
// flags first, with per-provider evidence and research links.
func (g *Generator) InvestigationLeads(ctx context.Context, limit int) (string, error) {
	flagged, err := g.providers.FlaggedProviders(ctx, limit)
	if err != nil {
		return "", domain.NewPipelineError(domain.ErrStore, "report", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Investigation Leads: %s County, %s\n\n", g.scope.County, g.scope.State)
	fmt.Fprintf(&b, "Generated %s. %d providers carry at least one risk flag.\n\n",
		time.Now().UTC().Format("2006-01-02"), len(flagged))
	b.WriteString("Flags are screening signals, not findings. Every lead needs manual review before any referral.\n\n")

	for i, fp := range flagged {
		name := fp.NPI
		if fp.Name != nil && *fp.Name != "" {
			name = *fp.Name
		}
		fmt.Fprintf(&b, "## %d. %s\n\n", i+1, name)
		fmt.Fprintf(&b, "- NPI: %s\n", fp.NPI)
		if fp.TaxonomyDesc != nil && *fp.TaxonomyDesc != "" {
			fmt.Fprintf(&b, "- Specialty: %s\n", *fp.TaxonomyDesc)
		}
		fmt.Fprintf(&b, "- Total Medicaid spend: $%.2f\n", fp.TotalSpend)
		fmt.Fprintf(&b, "- Risk flags: %d\n\n", fp.FlagCount)

		flags, err := g.flags.ListByNPI(ctx, fp.NPI)
		if err != nil {
			return "", domain.NewPipelineError(domain.ErrStore, "report", err)
		}
		if len(flags) > 0 {
			b.WriteString("### Evidence\n\n")
			b.WriteString("| Type | Score | Detail |\n|---|---|---|\n")
			for _, f := range flags {
				fmt.Fprintf(&b, "| %s | %.2f | %s |\n",
					f.FlagType, f.FlagScore, strings.ReplaceAll(f.Reason, "|", "\\|"))
			}
			b.WriteString("\n")
		}

		b.WriteString("### Research\n\n")
		for _, link := range g.researchLinks(&fp) {
			fmt.Fprintf(&b, "- [%s](%s)\n", link.label, link.url)
		}
		b.WriteString("\n")
	}

	g.log.WithField("providers", len(flagged)).Info("Investigation leads generated")
	return b.String(), nil
}

type researchLink struct {
	label, url string
}

// researchLinks builds the public-records starting points for one lead:
// the NPI registry record, a state business registry search and a plain
// web search on the billing name.
func (g *Generator) researchLinks(fp *domain.FlaggedProvider) []researchLink {
	links := []researchLink{
		{
			label: "NPPES registry record",
			url:   "https://npiregistry.cms.hhs.gov/provider-view/" + url.PathEscape(fp.NPI),
		},
	}
	if fp.Name == nil || *fp.Name == "" {
		return links
	}
	name := *fp.Name
	if strings.EqualFold(g.scope.State, "WA") {
		links = append(links, researchLink{
			label: "WA Secretary of State business search",
			url:   "https://ccfs.sos.wa.gov/#/BusinessSearch/" + url.PathEscape(name),
		})
	}
	links = append(links, researchLink{
		label: "Web search",
		url: "https://www.google.com/search?q=" + url.QueryEscape(
			fmt.Sprintf("%q %s %s medicaid", name, g.scope.County, g.scope.State)),
	})
	return links
}
