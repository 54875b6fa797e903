package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	grpcinsecure "google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_fdx/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Harbor FDX server",
	Long: `Check the health of the Harbor FDX server over HTTP (/healthz), or
with the gRPC health protocol when --grpc-addr is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		w := cmd.OutOrStdout()

		if addr, _ := cmd.Flags().GetString("grpc-addr"); addr != "" {
			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(grpcinsecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer conn.Close()

			resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: health.ServiceName})
			if err != nil {
				return fmt.Errorf("gRPC health check failed: %w", err)
			}
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("service is %s", resp.GetStatus())
			}
			fmt.Fprintln(w, "✓ Service is healthy (gRPC)")
			return nil
		}

		resp, err := makeHTTPRequest(ctx, http.MethodGet, "/healthz", nil)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		defer resp.Body.Close()

		var st health.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("failed to decode health status: %w", err)
		}
		if outputJSON {
			if err := printJSON(w, st); err != nil {
				return err
			}
		}
		if resp.StatusCode != http.StatusOK || !st.OK {
			return fmt.Errorf("service is unhealthy (HTTP %d): %s", resp.StatusCode, st.Message)
		}
		if !outputJSON {
			fmt.Fprintln(w, "✓ Service is healthy (HTTP)")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().String("grpc-addr", "", "gRPC health address (host:port)")
}
