package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sirenrich/sirenrich/internal/builder"
	"github.com/sirenrich/sirenrich/internal/model"
	"github.com/sirenrich/sirenrich/internal/store"
)

var (
	buildFrom      string
	buildRetention int
	buildRebuild   bool
	buildXZ        bool
	buildTimeout   time.Duration
)

// buildCmd represents the build command
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the local SQLite store from the archive",
	Long: `Build streams every archive member through the filing extractor and
bulk-loads the six retained indicators into a local SQLite store:
- Members are processed one at a time to bound memory
- Filings closed before the retention window are dropped
- An unreadable member is logged and counted, the build continues
- The store is written to a temporary file and published only on success

Example:
  sirenrich build --from dir
  sirenrich build --from ftp --retention-years 7 --xz
  sirenrich build --from zip --rebuild`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringVar(&buildFrom, "from", "", "member source: ftp, zip, dir (build from cache), gcs (default: archive.source)")
	buildCmd.Flags().IntVar(&buildRetention, "retention-years", 0, "years of filings to keep (default: store.retention_years)")
	buildCmd.Flags().BoolVar(&buildRebuild, "rebuild", false, "replace an existing store")
	buildCmd.Flags().BoolVar(&buildXZ, "xz", false, "also write an xz-compressed copy of the store")
	buildCmd.Flags().DurationVar(&buildTimeout, "timeout", 12*time.Hour, "total timeout for the build")
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if buildFrom != "" {
		cfg.Archive.Source = buildFrom
	}
	if buildRetention > 0 {
		cfg.Store.RetentionYears = buildRetention
	}
	cutoff := model.RetentionCutoff(time.Now(), cfg.Store.RetentionYears)

	ctx, cancel := context.WithTimeout(cmd.Context(), buildTimeout)
	defer cancel()

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  Local Store Build\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Source:      %s\n", cfg.Archive.Source)
	fmt.Fprintf(os.Stderr, "  Store:       %s\n", cfg.Store.Path)
	fmt.Fprintf(os.Stderr, "  Retention:   %d years (closing on or after %s)\n", cfg.Store.RetentionYears, cutoff.Format(model.DateLayout))
	fmt.Fprintf(os.Stderr, "  Batch size:  %d rows\n", cfg.Store.BatchSize)
	fmt.Fprintf(os.Stderr, "\n")

	src, err := openSource(ctx, cfg, cfg.Archive.Source)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	names, err := src.Members(ctx)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}

	w, err := store.Create(cfg.Store.Path, store.CreateOptions{Rebuild: buildRebuild, BatchSize: cfg.Store.BatchSize})
	if err != nil {
		return fmt.Errorf("create store: %w (use --rebuild to replace it)", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = w.Abort()
		}
	}()

	fmt.Fprintf(os.Stderr, "⚙️  Loading %d members (build %s)...\n", len(names), w.BuildID())

	summary, err := builder.Build(ctx, names, src, w, builder.Options{
		Cutoff: cutoff,
		Retry:  fetchPolicy(cfg),
		Logger: zap.L().Named("build"),
		Progress: func(p builder.Progress) {
			if p.Err != nil {
				fmt.Fprintf(os.Stderr, "✗ [%d/%d] %s: %v\n", p.Done, p.Total, p.Member, p.Err)
				return
			}
			if verbose || p.Done%25 == 0 || p.Done == p.Total {
				fmt.Fprintf(os.Stderr, "  [%d/%d] %s  rows: %d\n", p.Done, p.Total, p.Member, p.Rows)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("build failed, store not published: %w", err)
	}

	meta, err := w.Commit(ctx, store.Meta{
		RetentionYears: cfg.Store.RetentionYears,
		Members:        summary.Members,
		FailedMembers:  summary.Failed,
	})
	if err != nil {
		return fmt.Errorf("publish store: %w", err)
	}
	committed = true

	var compressed string
	if buildXZ {
		fmt.Fprintf(os.Stderr, "⚙️  Compressing store...\n")
		if compressed, err = store.Compress(cfg.Store.Path); err != nil {
			return fmt.Errorf("compress store: %w", err)
		}
	}

	// Summary
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  Build Complete\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Members:     %d processed, %d failed\n", summary.Members, summary.Failed)
	fmt.Fprintf(os.Stderr, "  Rows:        %d\n", meta.Rows)
	fmt.Fprintf(os.Stderr, "  Dropped:     %d expired, %d skipped, %d bad values\n",
		summary.Extract.Expired, summary.Extract.Skipped, summary.Extract.BadValues)
	fmt.Fprintf(os.Stderr, "  Elapsed:     %s\n", summary.Elapsed.Round(time.Second))
	fmt.Fprintf(os.Stderr, "  Store:       %s\n", cfg.Store.Path)
	if compressed != "" {
		fmt.Fprintf(os.Stderr, "  Compressed:  %s\n", compressed)
	}
	if !meta.Populated() {
		fmt.Fprintf(os.Stderr, "  ⚠️  The store holds no filings; lookups will use the remote archive\n")
	}
	for _, name := range summary.FailedMembers {
		fmt.Fprintf(os.Stderr, "  ✗ failed:    %s\n", name)
	}
	fmt.Fprintf(os.Stderr, "\n")

	return nil
}
