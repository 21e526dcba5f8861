package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sirenrich/sirenrich/internal/lookup"
	"github.com/sirenrich/sirenrich/internal/model"
	"github.com/sirenrich/sirenrich/internal/remote"
	"github.com/sirenrich/sirenrich/internal/store"
)

var (
	lookupYears   int
	lookupJSON    bool
	lookupRemote  bool
	lookupTimeout time.Duration
)

// lookupCmd represents the lookup command
var lookupCmd = &cobra.Command{
	Use:   "lookup <siren|siret>",
	Short: "Show the financial history of one company",
	Long: `Lookup returns the filings of one company, most recent first.

The local store answers when it has been built; otherwise the company's
archive member is located with the range index and downloaded.

Example:
  sirenrich lookup 552100554
  sirenrich lookup "552 100 554 00013" --years 3 --json
  sirenrich lookup 552100554 --remote`,
	Args: cobra.ExactArgs(1),
	RunE: runLookup,
}

func init() {
	rootCmd.AddCommand(lookupCmd)

	lookupCmd.Flags().IntVar(&lookupYears, "years", 0, "maximum number of filings (default: batch.max_years)")
	lookupCmd.Flags().BoolVar(&lookupJSON, "json", false, "print JSON instead of a table")
	lookupCmd.Flags().BoolVar(&lookupRemote, "remote", false, "ignore the local store and query the archive")
	lookupCmd.Flags().DurationVar(&lookupTimeout, "timeout", 10*time.Minute, "overall lookup timeout")
}

// newLookupService serves from the store when it is built and populated,
// from the archive otherwise. The fetcher is nil when the store serves.
// The returned closer releases both.
func newLookupService(ctx context.Context, cfg *model.Config, forceRemote bool) (*lookup.Service, *remote.Fetcher, func(), error) {
	log := zap.L().Named("lookup")

	if !forceRemote {
		s, err := store.Open(cfg.Store.Path)
		switch {
		case err == nil && !s.Meta().Populated():
			meta := s.Meta()
			_ = s.Close()
			log.Warn("local store is empty, using remote archive",
				zap.String("path", cfg.Store.Path),
				zap.String("build_id", meta.BuildID),
				zap.Int("members", meta.Members),
				zap.Int("failed_members", meta.FailedMembers),
				zap.Int64("rows", meta.Rows))
		case err == nil:
			log.Debug("serving from local store",
				zap.String("path", s.Path()),
				zap.String("build_id", s.Meta().BuildID),
				zap.Duration("age", s.Age(time.Now())))
			svc := lookup.NewService(lookup.Options{Store: s, CacheTTL: cfg.Cache.LookupTTL, Logger: log})
			return svc, nil, func() { _ = s.Close() }, nil
		case errors.Is(err, store.ErrNotBuilt):
			log.Debug("local store not built, using remote archive", zap.String("path", cfg.Store.Path))
		default:
			return nil, nil, nil, fmt.Errorf("open store: %w", err)
		}
	}

	scheduler, fetcher, closeSource, err := newScheduler(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	svc := lookup.NewService(lookup.Options{Scheduler: scheduler, CacheTTL: cfg.Cache.LookupTTL, Logger: log})
	return svc, fetcher, closeSource, nil
}

func runLookup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	years := lookupYears
	if years <= 0 {
		years = cfg.Batch.MaxYears
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), lookupTimeout)
	defer cancel()

	svc, _, closeFn, err := newLookupService(ctx, cfg, lookupRemote)
	if err != nil {
		return err
	}
	defer closeFn()

	h, err := svc.GetFinancials(ctx, args[0], years)
	if err != nil {
		return err
	}

	if lookupJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(h)
	}

	printHistory(h)
	if h.Status == model.StatusFetchFailed {
		return fmt.Errorf("fetch failed: %s", h.Error)
	}
	return nil
}

// printHistory renders one history as a table on stdout
func printHistory(h *model.FinancialHistory) {
	source := h.Source
	if h.Member != "" {
		source += " (" + h.Member + ")"
	}
	fmt.Printf("SIREN %s: %s, %d filings from %s\n\n", h.CompanyID, h.Status, len(h.Filings), source)
	if len(h.Filings) == 0 {
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	header := []string{"closing", "type"}
	for _, ind := range model.Indicators {
		header = append(header, string(ind))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t")+"\t")

	for _, f := range h.Filings {
		row := []string{f.ClosingDate.Format(model.DateLayout), string(f.StatementType)}
		for _, ind := range model.Indicators {
			row = append(row, formatAmount(f.Current.Get(ind)))
		}
		fmt.Fprintln(tw, strings.Join(row, "\t")+"\t")
	}
	_ = tw.Flush()
	fmt.Println()
}

func formatAmount(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}
