package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

// tokenCmd requests a development token from the JWKS server's /token endpoint.
var tokenCmd = &cobra.Command{
	Use:   "token [customer-id]",
	Short: "Obtain a development token for a customer",
	Long: `Request a signed token from the JWKS server. Pass the result with --token
or export it as JWT_TOKEN.

Example:
  export JWT_TOKEN=$(fdxctl token cust-1001 --issuer localhost:8082)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		issuer, _ := cmd.Flags().GetString("issuer")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		ctx, cancel := requestContext(cmd)
		defer cancel()

		saved := serverAddr
		serverAddr = issuer
		resp, err := makeHTTPRequest(ctx, http.MethodPost, "/token", map[string]any{
			"customer_id": args[0],
			"ttl_seconds": int(ttl / time.Second),
		})
		serverAddr = saved
		if err != nil {
			return fmt.Errorf("token request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("token request failed: HTTP %d", resp.StatusCode)
		}

		var tok tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return fmt.Errorf("failed to decode token response: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), tok)
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("issuer", "localhost:8082", "JWKS server address (host:port)")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
}
