package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sirenrich/sirenrich/internal/cache"
)

var cacheRegistry bool

// cacheCmd represents the cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the member cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show member cache usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		slots := cache.NewSlotStore(cfg.Cache.Dir)
		count, size, err := slots.Usage()
		if err != nil {
			return fmt.Errorf("read cache: %w", err)
		}
		fmt.Printf("Directory:  %s\n", slots.Dir())
		fmt.Printf("Members:    %d\n", count)
		fmt.Printf("Size:       %.1f MiB\n", float64(size)/(1<<20))
		fmt.Printf("Keep:       %t\n", cfg.Cache.Keep)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached archive members",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cache.NewSlotStore(cfg.Cache.Dir).Clear(); err != nil {
			return fmt.Errorf("clear member cache: %w", err)
		}
		fmt.Fprintf(os.Stderr, "✓ Member cache cleared: %s\n", cfg.Cache.Dir)

		if cacheRegistry && cfg.Registry.CacheDir != "" {
			if err := cache.NewDiskCache(cfg.Registry.CacheDir, cfg.Registry.CacheTTL).Clear(); err != nil {
				return fmt.Errorf("clear registry cache: %w", err)
			}
			fmt.Fprintf(os.Stderr, "✓ Registry cache cleared: %s\n", cfg.Registry.CacheDir)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	cacheClearCmd.Flags().BoolVar(&cacheRegistry, "registry", false, "also clear the company search cache")
}
