package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sirenrich/sirenrich/internal/model"
)

var configInitForce bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage sirenrich configuration",
	Long: `Manage sirenrich configuration files and settings.

Configuration is loaded in this order (later overrides earlier):
1. Built-in defaults
2. Config file (~/.sirenrich/config.yaml or --config)
3. .env file in the working directory
4. Environment variables (SIRENRICH_*, FTP_USER, FTP_PASSWORD)
5. Command flags`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Display the configuration after merging defaults, config file and environment. The archive password is masked.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := decodeConfig()
		if err != nil {
			return err
		}

		if file := viper.ConfigFileUsed(); file != "" {
			fmt.Fprintf(os.Stderr, "Configuration file: %s\n\n", file)
		} else {
			fmt.Fprintf(os.Stderr, "No configuration file found (defaults and environment only)\n\n")
		}

		out, err := yaml.Marshal(maskSecrets(*cfg))
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and report what each command will use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := decodeConfig()
		if err != nil {
			return err
		}

		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "✗ Invalid configuration:\n%v\n", err)
			return fmt.Errorf("configuration has errors")
		}
		fmt.Fprintf(os.Stderr, "✓ Configuration is valid\n\n")

		fmt.Fprintf(os.Stderr, "  Archive source:  %s\n", describeSource(cfg))
		if cfg.Archive.Source == "ftp" && (cfg.Archive.FTP.User == "" || cfg.Archive.FTP.Password == "") {
			fmt.Fprintf(os.Stderr, "  ⚠️  FTP credentials missing: set FTP_USER and FTP_PASSWORD\n")
		}
		fmt.Fprintf(os.Stderr, "  Range index:     %s%s\n", cfg.Index.Path, presence(cfg.Index.Path))
		fmt.Fprintf(os.Stderr, "  Local store:     %s%s\n", cfg.Store.Path, presence(cfg.Store.Path))
		fmt.Fprintf(os.Stderr, "  Member cache:    %s (keep: %t)\n", cfg.Cache.Dir, cfg.Cache.Keep)
		if cfg.Proxy.SOCKS != "" {
			fmt.Fprintf(os.Stderr, "  FTP proxy:       %s\n", cfg.Proxy.SOCKS)
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long:  `Create ~/.sirenrich/config.yaml (or the --config path) holding every option with its default value.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("find home directory: %w", err)
			}
			path = filepath.Join(home, ".sirenrich", "config.yaml")
		}

		if err := writeDefaultConfig(path, configInitForce); err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "✓ Created default configuration: %s\n", path)
		fmt.Fprintf(os.Stderr, "\nCheck it with:\n  sirenrich config check\n\n")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configCheckCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
}

// maskSecrets hides credentials in a copy of cfg
func maskSecrets(cfg model.Config) model.Config {
	if cfg.Archive.FTP.Password != "" {
		cfg.Archive.FTP.Password = "********"
	}
	return cfg
}

// writeDefaultConfig writes the commented default configuration to path.
// The file is created 0600 since it may later hold the archive password.
func writeDefaultConfig(path string, force bool) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_EXCL
	if force {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
		}
		return fmt.Errorf("create config file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close config file: %w", closeErr)
		}
	}()

	body, err := yaml.Marshal(model.DefaultConfig())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	header := "# sirenrich configuration\n" +
		"#\n" +
		"# Environment variables override any key: SIRENRICH_<SECTION>_<KEY>,\n" +
		"# e.g. SIRENRICH_STORE_PATH or SIRENRICH_BATCH_WORKERS.\n" +
		"# Archive credentials are best kept out of this file:\n" +
		"#   export FTP_USER=...\n" +
		"#   export FTP_PASSWORD=...\n" +
		"#\n" +
		"# archive.source: ftp, zip, dir or gcs\n" +
		"# batch.failure_policy: failed (retry later) or not_found\n" +
		"# Durations accept Go syntax (30s, 2m, 24h).\n\n"

	if _, err := f.WriteString(header); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func describeSource(cfg *model.Config) string {
	switch cfg.Archive.Source {
	case "ftp":
		name := cfg.Archive.FTP.ZipName
		if name == "" {
			name = "latest comptes_annuels ZIP"
		}
		return fmt.Sprintf("ftp %s (%s)", cfg.Archive.FTP.Host, name)
	case "zip":
		return "zip " + cfg.Archive.Zip
	case "gcs":
		return fmt.Sprintf("gcs gs://%s/%s", cfg.Archive.GCS.Bucket, cfg.Archive.GCS.Prefix)
	}
	return "dir " + cfg.Archive.Dir
}

func presence(path string) string {
	if _, err := os.Stat(path); err != nil {
		return " (not built)"
	}
	return ""
}
