package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"relaydesk/internal/config"
	"relaydesk/internal/middleware"
)

var (
	flagAgentID   string
	flagAgentName string
	flagTTLDays   int
)

// tokenCmd mints an agent JWT for the console and the websocket gateway.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate an agent JWT (HS256) for API and gateway authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if cfg.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is empty; set it in config")
		}
		ttl := time.Duration(flagTTLDays) * 24 * time.Hour
		tok, err := middleware.CreateAgentToken(cfg.JWT.Secret, flagAgentID, flagAgentName, ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&flagAgentID, "agent-id", "", "agent id to embed as the token subject")
	tokenCmd.Flags().StringVar(&flagAgentName, "agent-name", "", "display name shown to users on takeover")
	tokenCmd.Flags().IntVar(&flagTTLDays, "ttl-days", 365, "token time-to-live in days")
	_ = tokenCmd.MarkFlagRequired("agent-id")
}
