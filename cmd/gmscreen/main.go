package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gmscreen/internal/client"
	"github.com/alfredjeanlab/gmscreen/internal/ui"
)

var (
	httpURL    string
	authToken  string
	tenant     string
	jsonOutput bool
	noColor    bool

	apiClient client.Client
)

func defaultHTTPURL() string {
	if s := os.Getenv("GMSCREEN_URL"); s != "" {
		return s
	}
	if u := activeRemote().URL; u != "" {
		return u
	}
	return "http://localhost:8080"
}

func defaultToken() string {
	if s := os.Getenv("GMSCREEN_TOKEN"); s != "" {
		return s
	}
	return activeRemote().Token
}

func defaultTenant() string {
	if s := os.Getenv("GMSCREEN_TENANT"); s != "" {
		return s
	}
	return activeRemote().Tenant
}

// requireTenant returns the tenant commands act on.
func requireTenant() (string, error) {
	if tenant == "" {
		return "", fmt.Errorf("no tenant; pass --tenant, set GMSCREEN_TENANT or add a remote with --default-tenant")
	}
	return tenant, nil
}

var rootCmd = &cobra.Command{
	Use:           "gmscreen <command>",
	Short:         "Presence and live-broadcast server for the GM screen",
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || !ui.ShouldUseColor(os.Stdout) {
			ui.ForceNoColor()
		}
		apiClient = client.NewHTTPClient(httpURL, authToken)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if apiClient != nil {
			apiClient.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "url", defaultHTTPURL(), "server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", defaultToken(), "bearer token")
	rootCmd.PersistentFlags().StringVar(&tenant, "tenant", defaultTenant(), "tenant to act on")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "presence", Title: "Presence:"},
		&cobra.Group{ID: "history", Title: "Run history:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	// Presence
	rootCmd.AddCommand(presenceCmd)
	rootCmd.AddCommand(onlineCmd)
	rootCmd.AddCommand(watchCmd)

	// Run history
	rootCmd.AddCommand(runsCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(remoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
