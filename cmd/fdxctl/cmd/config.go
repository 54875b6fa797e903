package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage fdxctl configuration",
	Long:  `Manage fdxctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(w, map[string]any{
				"server":   serverAddr,
				"timeout":  timeout.String(),
				"tls":      useTLS,
				"insecure": insecure,
				"json":     outputJSON,
				"pretty":   prettyJSON,
				"customer": customerID,
				"token":    jwtToken != "",
			})
		}
		fmt.Fprintln(w, "Current configuration:")
		fmt.Fprintf(w, "  Server: %s\n", serverAddr)
		fmt.Fprintf(w, "  Timeout: %s\n", timeout)
		fmt.Fprintf(w, "  TLS: %v (insecure: %v)\n", useTLS, insecure)
		fmt.Fprintf(w, "  JSON Output: %v\n", outputJSON)
		fmt.Fprintf(w, "  Pretty JSON: %v\n", prettyJSON)
		fmt.Fprintf(w, "  Customer: %s\n", customerID)
		fmt.Fprintf(w, "  Token set: %v\n", jwtToken != "")

		if prettyJSON && !checkJQAvailable() {
			fmt.Fprintf(w, "  ⚠️  Warning: pretty=true but jq not found in PATH\n")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(w, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(w, "  Config file: none (using defaults)")
		}
		return nil
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  fdxctl config set server localhost:8080
  fdxctl config set timeout 60s
  fdxctl config set customer cust-1001
  fdxctl config set pretty true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := setConfigValue(key, value); err != nil {
			return err
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
		return nil
	},
}

// setConfigValue validates and stores one key in viper.
func setConfigValue(key, value string) error {
	if !slices.Contains(configKeys, key) {
		return fmt.Errorf("invalid configuration key: %s. Valid keys are: %s", key, strings.Join(configKeys, ", "))
	}

	switch key {
	case "tls", "insecure", "json", "pretty":
		switch value {
		case "true", "1", "yes", "on":
			viper.Set(key, true)
		case "false", "0", "no", "off":
			viper.Set(key, false)
		default:
			return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeout: %w", err)
		}
		viper.Set(key, d.String())
	default:
		viper.Set(key, value)
	}
	return nil
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".fdxctl.yaml"), nil
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}

		if _, err := os.Stat(path); err == nil {
			overwrite, _ := cmd.Flags().GetBool("force")
			if !overwrite {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		viper.Set("server", "localhost:8080")
		viper.Set("timeout", "30s")
		viper.Set("tls", false)
		viper.Set("json", false)
		viper.Set("pretty", false)

		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Configuration file created: %s\n", path)
		fmt.Fprintln(w, "Default settings:")
		fmt.Fprintln(w, "  server: localhost:8080")
		fmt.Fprintln(w, "  timeout: 30s")
		fmt.Fprintln(w, "  tls: false")
		fmt.Fprintln(w, "  json: false")
		fmt.Fprintln(w, "  pretty: false")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configInitCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
