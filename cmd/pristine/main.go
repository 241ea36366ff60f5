// Command pristine is a thin CLI over this module's core: open a
// pristine, unrecord a change from one of its channels, or export/
// restore a channel as a tag file.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/pijul-core/pristine/pkg/changestore"
	"github.com/pijul-core/pristine/pkg/config"
	"github.com/pijul-core/pristine/pkg/pristine"
	"github.com/pijul-core/pristine/pkg/tag"
	"github.com/pijul-core/pristine/pkg/unrecord"
)

var version = "0.1.0"

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "pristine",
		Short: "Inspect and modify a pristine's channels",
		Long: `pristine operates on the content-addressed graph a repository's
history is built from: unrecording changes, and exporting or
restoring a channel as a single tag file.`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")

	rootCmd.AddCommand(
		versionCmd(),
		unrecordCmd(&cfgPath),
		tagExportCmd(&cfgPath),
		tagRestoreCmd(&cfgPath),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pristine v%s\n", version)
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (pristine.Store, error) {
	if cfg.InMemory {
		return pristine.NewMemStore(), nil
	}
	return pristine.OpenBadgerStore(pristine.BadgerOptions{DataDir: cfg.DataDir + "/db"})
}

func unrecordCmd(cfgPath *string) *cobra.Command {
	var channel, hashHex string
	cmd := &cobra.Command{
		Use:   "unrecord",
		Short: "Remove a change from a channel, reversing its effects",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if channel == "" {
				channel = cfg.DefaultChannel
			}
			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("opening pristine: %w", err)
			}
			defer store.Close()

			cs, err := changestore.NewFileStore(cfg.DataDir + "/changes")
			if err != nil {
				return fmt.Errorf("opening change store: %w", err)
			}

			hash := parseHashArg(hashHex)

			txn, err := store.BeginWrite()
			if err != nil {
				return fmt.Errorf("starting write transaction: %w", err)
			}
			ch, err := txn.OpenOrCreateChannel(channel)
			if err != nil {
				txn.Rollback()
				return fmt.Errorf("opening channel %q: %w", channel, err)
			}
			if _, err := unrecord.Unrecord(txn, ch, cs, hash); err != nil {
				txn.Rollback()
				return fmt.Errorf("unrecording %s: %w", hash, err)
			}
			if err := txn.Commit(); err != nil {
				return fmt.Errorf("committing: %w", err)
			}
			log.Printf("unrecorded %s from channel %q", hash, channel)
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel to unrecord from (default: config's default_channel)")
	cmd.Flags().StringVar(&hashHex, "hash", "", "hex-encoded hash of the change to unrecord")
	cmd.MarkFlagRequired("hash")
	return cmd
}

func tagExportCmd(cfgPath *string) *cobra.Command {
	var channel, out string
	cmd := &cobra.Command{
		Use:   "tag-export",
		Short: "Export a channel to a compressed tag file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if channel == "" {
				channel = cfg.DefaultChannel
			}
			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("opening pristine: %w", err)
			}
			defer store.Close()

			txn, err := store.BeginRead()
			if err != nil {
				return fmt.Errorf("starting read transaction: %w", err)
			}
			ch, err := txn.LoadChannel(channel)
			if err != nil {
				return fmt.Errorf("loading channel %q: %w", channel, err)
			}

			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("creating %s: %w", out, err)
			}
			defer f.Close()

			if err := tag.Serialize(txn, ch, f, cfg.TagCompressionLevel); err != nil {
				return fmt.Errorf("exporting channel %q: %w", channel, err)
			}
			log.Printf("exported channel %q to %s", channel, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel to export (default: config's default_channel)")
	cmd.Flags().StringVar(&out, "out", "channel.tag", "output tag file path")
	return cmd
}

func tagRestoreCmd(cfgPath *string) *cobra.Command {
	var channel, in string
	cmd := &cobra.Command{
		Use:   "tag-restore",
		Short: "Restore a channel from a tag file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if channel == "" {
				channel = cfg.DefaultChannel
			}
			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("opening pristine: %w", err)
			}
			defer store.Close()

			f, err := os.Open(in)
			if err != nil {
				return fmt.Errorf("opening %s: %w", in, err)
			}
			defer f.Close()

			txn, err := store.BeginWrite()
			if err != nil {
				return fmt.Errorf("starting write transaction: %w", err)
			}
			ch, err := tag.Restore(txn, channel, f)
			if err != nil {
				txn.Rollback()
				return fmt.Errorf("restoring channel %q: %w", channel, err)
			}
			if err := txn.Commit(); err != nil {
				return fmt.Errorf("committing: %w", err)
			}
			log.Printf("restored channel %q from %s (merkle %s, %d changes)", ch.Name, in, ch.State, ch.ApplyCounter)
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel to restore into (default: config's default_channel)")
	cmd.Flags().StringVar(&in, "in", "channel.tag", "input tag file path")
	return cmd
}

func parseHashArg(s string) pristine.Hash {
	var h pristine.Hash
	b := []byte(s)
	for i := 0; i+1 < len(b) && i/2 < len(h); i += 2 {
		var v byte
		fmt.Sscanf(string(b[i:i+2]), "%02x", &v)
		h[i/2] = v
	}
	return h
}
