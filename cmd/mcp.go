package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/zenova/internal/mcp"
	"github.com/joescharf/zenova/internal/plane"
	"github.com/joescharf/zenova/internal/session"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server exposing Plane issue tools",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an agent read and update Plane issues through this service.
Configure in Claude Code with:

  {
    "mcpServers": {
      "zenova": { "command": "zenova", "args": ["mcp"] }
    }
  }

Available tools: zenova_get_issue, zenova_get_comments,
zenova_add_comment, zenova_update_issue_state, zenova_list_sessions,
zenova_get_session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := getDB()
		if err != nil {
			return err
		}
		defer d.Close()

		client := plane.NewClient(
			viper.GetString("plane.api_url"),
			viper.GetString("plane.api_token"),
		)
		srv := mcp.NewServer(client, session.NewSQLiteStore(d), viper.GetString("workspace_slug"))
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
