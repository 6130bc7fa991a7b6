package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"PluginHost/internal/api"
	"PluginHost/internal/config"
	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
	"PluginHost/pkg/logger"
	"PluginHost/pkg/plugin"
)

// cli carries what every verb shares.
type cli struct {
	configPath string
	out        io.Writer
	cfg        *config.Config
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "pluginhost",
		Short:         "Resolve, isolate and run plugins from an artifact repository",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv(config.EnvPrefix+"_CONFIG"),
		"path to the YAML configuration file")

	root.AddCommand(
		c.installCmd(),
		c.manifestCmd("uninstall", "Remove an installed plugin that is disabled", c.uninstall),
		c.manifestCmd("enable", "Enable a plugin and its dependencies and start it with the host", c.enable),
		c.manifestCmd("disable", "Disable a plugin and stop starting it with the host", c.disable),
		c.manifestCmd("info", "Show an installed plugin", c.info),
		c.manifestCmd("update", "Install the latest version of a plugin", c.update),
		c.listCmd(),
		c.autoRemoveCmd(),
		c.searchCmd(),
		c.execCmd(),
		c.serveCmd(),
	)
	return root
}

func (c *cli) init() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

// withHost opens the host, starts auto-start plugins, runs fn and shuts
// everything down again.
func (c *cli) withHost(ctx context.Context, fn func(*plugin.Manager) error) (err error) {
	h, err := openHost(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.close(context.WithoutCancel(ctx)); cerr != nil {
			logger.L().Warn("shutdown incomplete", "error", cerr)
		}
	}()
	h.start(ctx)
	return fn(h.manager)
}

func (c *cli) installCmd() *cobra.Command {
	var (
		elevated   bool
		properties []string
	)
	cmd := &cobra.Command{
		Use:   "install <artifact>",
		Short: "Install a plugin and its dependencies",
		Long: `Install resolves an artifact identifier, an alias or a bare manifest
(which installs the latest version), loads it with its dependencies and
records the installation.

Examples:
  pluginhost install acme:greeter:1.2
  pluginhost install greeter --property greeting=hi`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := parseProperties(properties)
			if err != nil {
				return err
			}
			var opts []plugin.InstallOption
			if elevated {
				opts = append(opts, plugin.Elevated())
			}
			if len(props) > 0 {
				opts = append(opts, plugin.WithProperties(props))
			}
			return c.withHost(cmd.Context(), func(m *plugin.Manager) error {
				id, err := m.ResolveIdentifier(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				reg, err := m.Install(cmd.Context(), id, opts...)
				if reg == nil {
					return err
				}
				fmt.Fprintf(c.out, "installed %s\n", reg.ID())
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&elevated, "elevated", false, "grant the plugin elevated privileges")
	cmd.Flags().StringArrayVarP(&properties, "property", "p", nil, "initial property as key=value (repeatable)")
	return cmd
}

func parseProperties(pairs []string) (map[string]string, error) {
	props := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "property %q must be key=value", pair)
		}
		props[strings.TrimSpace(key)] = value
	}
	return props, nil
}

func (c *cli) manifestCmd(use, short string, fn func(context.Context, *plugin.Manager, artifact.ManifestID) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plugin>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withHost(cmd.Context(), func(m *plugin.Manager) error {
				id, err := resolveManifest(cmd.Context(), m, args[0])
				if err != nil {
					return err
				}
				return fn(cmd.Context(), m, id)
			})
		},
	}
}

func resolveManifest(ctx context.Context, m *plugin.Manager, text string) (artifact.ManifestID, error) {
	if id, err := artifact.ParseManifestID(text); err == nil {
		return id, nil
	}
	id, err := m.ResolveIdentifier(ctx, text)
	if err != nil {
		return artifact.ManifestID{}, err
	}
	return id.Manifest, nil
}

func (c *cli) uninstall(ctx context.Context, m *plugin.Manager, id artifact.ManifestID) error {
	if err := m.Uninstall(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "uninstalled %s\n", id)
	return nil
}

func (c *cli) enable(ctx context.Context, m *plugin.Manager, id artifact.ManifestID) error {
	if err := m.Enable(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "enabled %s\n", id)
	return nil
}

func (c *cli) disable(ctx context.Context, m *plugin.Manager, id artifact.ManifestID) error {
	if err := m.Disable(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "disabled %s\n", id)
	return nil
}

func (c *cli) info(_ context.Context, m *plugin.Manager, id artifact.ManifestID) error {
	reg, ok := m.Plugin(id)
	if !ok {
		return xerrors.Newf(xerrors.CodeNotFound, "%s is not installed", id)
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(api.NewPluginView(reg, true))
}

func (c *cli) update(ctx context.Context, m *plugin.Manager, id artifact.ManifestID) error {
	latest, changed, err := m.Update(ctx, id)
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintf(c.out, "%s is up to date\n", latest)
		return nil
	}
	fmt.Fprintf(c.out, "updated to %s, restart the host to run it\n", latest)
	return nil
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withHost(cmd.Context(), func(m *plugin.Manager) error {
				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PLUGIN\tVERSION\tSTATE\tREQUIRED")
				for _, reg := range m.Plugins() {
					state := "disabled"
					if reg.Enabled() {
						state = "enabled"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", reg.Manifest(), reg.ID().Version, state, reg.Required())
				}
				return tw.Flush()
			})
		},
	}
}

func (c *cli) autoRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "autoremove",
		Short: "Uninstall dependencies nothing installed needs any more",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withHost(cmd.Context(), func(m *plugin.Manager) error {
				removed, err := m.AutoRemove(cmd.Context())
				for _, id := range removed {
					fmt.Fprintf(c.out, "removed %s\n", id)
				}
				if err == nil && len(removed) == 0 {
					fmt.Fprintln(c.out, "no plugins were auto-removed")
				}
				return err
			})
		},
	}
}

func (c *cli) searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search the repository for plugin manifests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withHost(cmd.Context(), func(m *plugin.Manager) error {
				found, err := m.Search(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, id := range found {
					marker := ""
					if m.IsInstalled(id) {
						marker = " (installed)"
					}
					fmt.Fprintf(c.out, "%s%s\n", id, marker)
				}
				return nil
			})
		},
	}
}

func (c *cli) execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <command> [args...]",
		Short: "Run a command contributed by an enabled plugin",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withHost(cmd.Context(), func(m *plugin.Manager) error {
				fn, ok := m.Registries().Commands.Lookup(args[0])
				if !ok {
					return xerrors.Newf(xerrors.CodeNotFound, "no enabled plugin contributes command %q", args[0])
				}
				out, err := fn(cmd.Context(), args[1:])
				if err != nil {
					return xerrors.Wrapf(xerrors.CodePluginHook, err, "command %s", args[0])
				}
				fmt.Fprintln(c.out, out)
				return nil
			})
		},
	}
}
