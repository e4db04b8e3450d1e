package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	Short:   "Manage named gmscreen servers",
	GroupID: "system",
	// Remote subcommands only touch the local profile file.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Add or update a named server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := Remote{URL: args[1]}
		r.Token, _ = cmd.Flags().GetString("bearer")
		r.NATSURL, _ = cmd.Flags().GetString("nats")
		r.Tenant, _ = cmd.Flags().GetString("default-tenant")

		err := editRemotes(func(cfg *RemotesConfig) error {
			cfg.Remotes[args[0]] = r
			if cfg.Active == "" {
				cfg.Active = args[0]
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "remote %q saved (%s)\n", args[0], r.URL)
		return nil
	},
}

var remoteRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a named server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := editRemotes(func(cfg *RemotesConfig) error {
			name, _, err := cfg.get(args[0])
			if err != nil {
				return err
			}
			delete(cfg.Remotes, name)
			if cfg.Active == name {
				cfg.Active = ""
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "remote %q removed\n", args[0])
		return nil
	},
}

var remoteUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Set the active server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := editRemotes(func(cfg *RemotesConfig) error {
			name, _, err := cfg.get(args[0])
			cfg.Active = name
			return err
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "active remote set to %q\n", args[0])
		return nil
	},
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List named servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRemotes()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), redactRemotes(cfg))
		}
		return printRemoteList(cmd.OutOrStdout(), cfg)
	},
}

var remoteShowCmd = &cobra.Command{
	Use:   "show [<name>]",
	Short: "Show a named server (defaults to the active one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRemotes()
		if err != nil {
			return err
		}
		var want string
		if len(args) == 1 {
			want = args[0]
		}
		name, r, err := cfg.get(want)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		suffix := ""
		if name == cfg.Active {
			suffix = " (active)"
		}
		fmt.Fprintf(w, "name:\t%s%s\n", name, suffix)
		fmt.Fprintf(w, "url:\t%s\n", r.URL)
		fmt.Fprintf(w, "tenant:\t%s\n", orDash(r.Tenant))
		fmt.Fprintf(w, "token:\t%s\n", orDash(maskToken(r.Token)))
		fmt.Fprintf(w, "nats_url:\t%s\n", orDash(r.NATSURL))
		return w.Flush()
	},
}

func printRemoteList(out io.Writer, cfg RemotesConfig) error {
	if len(cfg.Remotes) == 0 {
		_, err := fmt.Fprintln(out, "no remotes configured")
		return err
	}
	names := make([]string, 0, len(cfg.Remotes))
	for name := range cfg.Remotes {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tURL\tTENANT\tTOKEN")
	for _, name := range names {
		r := cfg.Remotes[name]
		marker := "  "
		if name == cfg.Active {
			marker = "* "
		}
		fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\n", marker, name, r.URL, orDash(r.Tenant), orDash(maskToken(r.Token)))
	}
	return w.Flush()
}

// redactRemotes masks every token for printing.
func redactRemotes(cfg RemotesConfig) RemotesConfig {
	out := RemotesConfig{Active: cfg.Active, Remotes: make(map[string]Remote, len(cfg.Remotes))}
	for name, r := range cfg.Remotes {
		r.Token = maskToken(r.Token)
		out.Remotes[name] = r
	}
	return out
}

// maskToken keeps the first 8 characters of a token.
func maskToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + strings.Repeat("*", len(token)-8)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	remoteAddCmd.Flags().String("bearer", "", "bearer token for the server")
	remoteAddCmd.Flags().String("nats", "", "NATS URL for event-driven watch")
	remoteAddCmd.Flags().String("default-tenant", "", "tenant used when --tenant is not given")

	remoteCmd.AddCommand(remoteAddCmd, remoteRemoveCmd, remoteUseCmd, remoteListCmd, remoteShowCmd)
}
