package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sydlexius/gridserver/internal/catalog"
	"github.com/sydlexius/gridserver/internal/logging"
	"github.com/sydlexius/gridserver/internal/scanner"
	"github.com/sydlexius/gridserver/internal/version"
	"github.com/sydlexius/gridserver/internal/worker"
)

func newRootCommand() *cobra.Command {
	configPath := defaultConfigPath()
	root := &cobra.Command{
		Use:   "gridserver",
		Short: "Remote audio plugin host server",
		Long: `gridserver discovers the audio plugins installed on this machine, probing
each one in an isolated child process so a plugin that crashes or hangs is
blacklisted instead of taking the server down, and then serves the catalog
to remote client hosts.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version.Version, version.Commit),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", configPath, "path to config.yaml (env GS_CONFIG_PATH)")

	root.AddCommand(
		newServeCommand(&configPath),
		newScanCommand(&configPath),
		newBlacklistCommand(&configPath),
		newPluginsCommand(&configPath),
		newVersionCommand(),
	)
	return root
}

// quiet keeps informational log lines out of command output.
func quiet(c *logging.Config) {
	c.Level = "warn"
}

func newScanCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one foreground scan pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(*configPath, nil)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			if err := a.maint.Check(cmd.Context()); err != nil {
				return err
			}
			prober, err := a.newProcessProber()
			if err != nil {
				return err
			}
			svc, err := a.newScanner(prober)
			if err != nil {
				return err
			}
			if err := a.recoverInterrupted(cmd.Context(), svc); err != nil {
				return err
			}
			res, err := svc.Scan(cmd.Context(), nil)
			if err != nil {
				return err
			}
			renderScanResult(cmd.OutOrStdout(), res)
			if res.Status != scanner.StatusCompleted {
				return fmt.Errorf("scan %s: %s", res.Status, res.Error)
			}
			return nil
		},
	}
}

func renderScanResult(w io.Writer, res *scanner.ScanResult) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Status", "Discovered", "Probed", "Skipped", "Failed", "Timed Out"})
	t.AppendRow(table.Row{res.Status, res.Discovered, res.Probed, res.Skipped, res.Failed, res.TimedOut})
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	t.Render()
}

func renderBlacklist(w io.Writer, c *catalog.Catalog) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Identifier", "Blacklisted At"})
	for _, id := range c.Blacklisted() {
		at, _ := c.BlacklistedAt(id)
		added := ""
		if !at.IsZero() {
			added = at.Local().Format(time.DateTime)
		}
		t.AppendRow(table.Row{id, added})
	}
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	t.Render()
}

func newBlacklistCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blacklist",
		Short: "Inspect or edit the probe blacklist",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List blacklisted identifiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(*configPath, quiet)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			c, err := a.store.Load(cmd.Context())
			if err != nil {
				return err
			}
			renderBlacklist(cmd.OutOrStdout(), c)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear <identifier>",
		Short: "Remove an identifier so the next scan probes it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath, quiet)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			svc, err := a.newScanner(nil)
			if err != nil {
				return err
			}
			removed, err := svc.Unblacklist(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%s is not blacklisted", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s from the blacklist\n", args[0])
			return nil
		},
	})
	return cmd
}

func newPluginsCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect the plugin catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the persisted catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(*configPath, quiet)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			c, err := a.store.Load(cmd.Context())
			if err != nil {
				return err
			}
			renderPlugins(cmd.OutOrStdout(), c.Descriptors())
			return nil
		},
	})
	return cmd
}

func renderPlugins(w io.Writer, ds []catalog.Descriptor) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Name", "Manufacturer", "Format", "Version", "I/O", "Instrument", "ID"})
	for _, d := range ds {
		instrument := ""
		if d.IsInstrument {
			instrument = "yes"
		}
		t.AppendRow(table.Row{
			d.Name, d.Manufacturer, d.Format, d.Version,
			strconv.Itoa(d.NumInputs) + "/" + strconv.Itoa(d.NumOutputs),
			instrument, d.ID(),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, AutoMerge: true},
	})
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	t.Render()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) error {
	v := version.Version
	// Development builds carry a non-semver tag such as "dev".
	if sv, err := semver.NewVersion(v); err == nil {
		v = "v" + sv.String()
	}
	_, err := fmt.Fprintf(w, "gridserver %s (commit: %s, protocol >= %s)\n", v, version.Commit, worker.MinProtocolVersion)
	return err
}
