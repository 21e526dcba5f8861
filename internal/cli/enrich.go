package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirenrich/sirenrich/internal/model"
	"github.com/sirenrich/sirenrich/internal/registry"
	"github.com/sirenrich/sirenrich/internal/worker"
)

var (
	enrichFile     string
	enrichOutput   string
	enrichWorkers  int
	enrichYears    int
	enrichRemote   bool
	enrichNoSearch bool
	enrichTimeout  time.Duration
)

// enrichCmd represents the enrich command
var enrichCmd = &cobra.Command{
	Use:   "enrich [siren|siret|name...]",
	Short: "Enrich many companies with their financial history",
	Long: `Enrich resolves each input to a SIREN and collects its filings:
- SIREN and SIRET inputs are used directly (a SIRET is cut to its SIREN)
- Other inputs are company names, resolved with the public company search API
- Filings come from the local store when built, else from the archive with
  identifiers grouped by member and a bounded number of member downloads
- Every input gets a status: found, not_found, fetch_failed or invalid

Example:
  sirenrich enrich 552100554 775665019
  sirenrich enrich --file companies.txt --output report.json
  sirenrich enrich --file companies.txt --workers 5 --remote`,
	RunE: runEnrich,
}

func init() {
	rootCmd.AddCommand(enrichCmd)

	enrichCmd.Flags().StringVarP(&enrichFile, "file", "f", "", "read inputs from file (one per line, # comments)")
	enrichCmd.Flags().StringVarP(&enrichOutput, "output", "o", "enrich-report.json", "output JSON path (- for stdout)")
	enrichCmd.Flags().IntVar(&enrichWorkers, "workers", 0, "concurrent member downloads (default: batch.workers)")
	enrichCmd.Flags().IntVar(&enrichYears, "years", 0, "maximum filings per company (default: batch.max_years)")
	enrichCmd.Flags().BoolVar(&enrichRemote, "remote", false, "ignore the local store and query the archive")
	enrichCmd.Flags().BoolVar(&enrichNoSearch, "no-search", false, "do not resolve names through the search API")
	enrichCmd.Flags().DurationVar(&enrichTimeout, "timeout", 2*time.Hour, "total timeout for the run")
}

func runEnrich(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if enrichWorkers > 0 {
		cfg.Batch.Workers = enrichWorkers
	}
	years := enrichYears
	if years <= 0 {
		years = cfg.Batch.MaxYears
	}

	inputs := args
	if enrichFile != "" {
		fromFile, err := worker.ReadInputsFromFile(enrichFile)
		if err != nil {
			return fmt.Errorf("read inputs: %w", err)
		}
		inputs = append(inputs, fromFile...)
	}
	if len(inputs) == 0 {
		return errors.New("no input: pass identifiers or --file")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), enrichTimeout)
	defer cancel()

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  sirenrich Enrichment\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Inputs:    %d\n", len(inputs))
	fmt.Fprintf(os.Stderr, "  Workers:   %d\n", cfg.Batch.Workers)
	fmt.Fprintf(os.Stderr, "  Years:     %d\n", years)
	fmt.Fprintf(os.Stderr, "  Output:    %s\n", enrichOutput)
	fmt.Fprintf(os.Stderr, "\n")

	// Resolve inputs to identifiers
	var client *registry.Client
	if !enrichNoSearch {
		client = newRegistry(cfg)
	}
	report := &model.EnrichReport{GeneratedAt: time.Now().UTC()}
	ids, invalid := resolveInputs(ctx, client, inputs, report)

	svc, fetcher, closeFn, err := newLookupService(ctx, cfg, enrichRemote)
	if err != nil {
		return err
	}
	defer closeFn()
	fmt.Fprintf(os.Stderr, "⚙️  Collecting filings for %d companies from %s...\n", len(ids), svc.Backend())

	results, err := svc.Enrich(ctx, ids, years, func(done, total int, member string) {
		if member == "" {
			if verbose || done%100 == 0 || done == total {
				fmt.Fprintf(os.Stderr, "  [%d/%d]\n", done, total)
			}
			return
		}
		fmt.Fprintf(os.Stderr, "  [%d/%d] %s\n", done, total, member)
	})
	if err != nil {
		return err
	}
	for query, h := range invalid {
		results[query] = h
	}

	report.Results = results
	report.Summary = model.Summarize(results)

	if err := writeReport(report, enrichOutput); err != nil {
		return err
	}

	// Summary
	s := report.Summary
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  Enrichment Complete\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Total:         %d\n", s.Total)
	fmt.Fprintf(os.Stderr, "  Found:         %d\n", s.Found)
	fmt.Fprintf(os.Stderr, "  Not found:     %d\n", s.NotFound)
	fmt.Fprintf(os.Stderr, "  Fetch failed:  %d\n", s.FetchFailed)
	fmt.Fprintf(os.Stderr, "  Invalid:       %d\n", s.Invalid)
	if fetcher != nil {
		fmt.Fprintf(os.Stderr, "  Downloads:     %d (cache hits: %d)\n", fetcher.Downloads(), fetcher.Hits())
	}
	if enrichOutput != "-" {
		fmt.Fprintf(os.Stderr, "  Output:        %s\n", enrichOutput)
	}
	fmt.Fprintf(os.Stderr, "\n")

	return nil
}

// resolveInputs maps raw inputs to identifiers, recording each resolution in
// report. Inputs that cannot be resolved come back as invalid histories keyed
// by the raw input.
func resolveInputs(ctx context.Context, client *registry.Client, inputs []string, report *model.EnrichReport) ([]string, map[string]*model.FinancialHistory) {
	var ids []string
	invalid := make(map[string]*model.FinancialHistory)

	for _, query := range inputs {
		in := model.EnrichInput{Query: query}

		if id, ok := model.NormalizeID(query); ok {
			in.CompanyID = id
			ids = append(ids, id)
			report.Inputs = append(report.Inputs, in)
			continue
		}

		if client == nil {
			in.Error = "not a SIREN or SIRET"
		} else if id, company, err := client.Resolve(ctx, query); err != nil {
			in.Error = err.Error()
		} else {
			in.CompanyID = id
			if company != nil {
				in.Name = company.Name
			}
			ids = append(ids, id)
			fmt.Fprintf(os.Stderr, "  %s → %s\n", query, id)
		}

		if in.Error != "" {
			fmt.Fprintf(os.Stderr, "✗ %s: %s\n", query, in.Error)
			invalid[query] = &model.FinancialHistory{CompanyID: query, Status: model.StatusInvalid, Error: in.Error}
		}
		report.Inputs = append(report.Inputs, in)
	}
	return ids, invalid
}

// writeReport writes the report as indented JSON to path, or stdout for "-"
func writeReport(report *model.EnrichReport, path string) (err error) {
	out := os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		defer func() {
			if closeErr := f.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("close report: %w", closeErr)
			}
		}()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
