package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sirenrich/sirenrich/internal/index"
	"github.com/sirenrich/sirenrich/internal/model"
)

var (
	indexFrom    string
	indexTimeout time.Duration
)

// indexCmd represents the index command
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build and query the member range index",
	Long: `The range index records, for every archive member, the smallest and
largest SIREN it contains. Remote lookups use it to download only the one
member that can hold a company.`,
}

var indexBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Scan the archive and write the range index",
	Long: `Scan every archive member for its identifier bounds and write the index.

The build fails if the archive is not globally sorted (a member starting at
or below the previous member's maximum), since lookups would then silently
resolve to the wrong member.

Example:
  sirenrich index build --from dir
  sirenrich index build --from ftp --timeout 2h`,
	Args: cobra.NoArgs,
	RunE: runIndexBuild,
}

var indexLookupCmd = &cobra.Command{
	Use:   "lookup <siren>",
	Short: "Show which archive member holds a SIREN",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexLookup,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexBuildCmd)
	indexCmd.AddCommand(indexLookupCmd)

	indexBuildCmd.Flags().StringVar(&indexFrom, "from", "", "member source: ftp, zip, dir, gcs (default: archive.source)")
	indexBuildCmd.Flags().DurationVar(&indexTimeout, "timeout", 6*time.Hour, "total timeout for the scan")
}

func runIndexBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if indexFrom != "" {
		cfg.Archive.Source = indexFrom
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), indexTimeout)
	defer cancel()

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  Range Index Build\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Source:   %s\n", cfg.Archive.Source)
	fmt.Fprintf(os.Stderr, "  Output:   %s\n", cfg.Index.Path)
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
	fmt.Fprintf(os.Stderr, "⚙️  Scanning %d members...\n", len(names))

	ix, err := index.Build(ctx, names, src, index.BuildOptions{
		Logger: zap.L().Named("index"),
		Progress: func(done, total int, entry model.MemberRange) {
			if verbose || done%50 == 0 || done == total {
				fmt.Fprintf(os.Stderr, "  [%d/%d] %s  %s..%s\n", done, total, entry.Member, entry.MinID, entry.MaxID)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	if err := ix.Save(cfg.Index.Path); err != nil {
		return fmt.Errorf("save index: %w", err)
	}

	stats := ix.Stats()
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "✓ Index written: %s\n", cfg.Index.Path)
	fmt.Fprintf(os.Stderr, "  Members:    %d\n", stats.TotalFiles)
	fmt.Fprintf(os.Stderr, "  Companies:  %d\n", stats.TotalCompanies)
	fmt.Fprintf(os.Stderr, "  Filings:    %d\n", stats.TotalFilings)
	fmt.Fprintf(os.Stderr, "\n")
	return nil
}

func runIndexLookup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	id, ok := model.NormalizeID(args[0])
	if !ok {
		return fmt.Errorf("not a SIREN or SIRET: %q", args[0])
	}

	ix, err := index.Load(cfg.Index.Path)
	if err != nil {
		return fmt.Errorf("load range index: %w", err)
	}

	member, found := ix.Lookup(id)
	if !found {
		fmt.Printf("%s: no member covers this identifier\n", id)
		return nil
	}
	fmt.Printf("%s: %s\n", id, member)
	return nil
}
