package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/schedopt/pkg/client"
	tlsutil "github.com/psantana5/schedopt/pkg/tls"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	token        string
	caCert       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:          "optctl",
	Short:        "CLI for the schedule optimization service",
	Long:         `optctl submits schedules for optimization, follows their progress and inspects results.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.schedopt/optctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "optimizer URL (default from config, SCHEDOPT_URL or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token or API key (default from config or SCHEDOPT_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&caCert, "ca-cert", "", "CA certificate used to verify an https server")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".schedopt"))
		viper.SetConfigName("optctl")
		viper.SetConfigType("yaml")
	}

	viper.BindEnv("server_url", "SCHEDOPT_URL")
	viper.BindEnv("token", "SCHEDOPT_TOKEN")
	viper.BindEnv("ca_cert", "SCHEDOPT_CA_CERT")

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config %s: %v\n", cfgFile, err)
		os.Exit(1)
	}

	if serverURL == "" {
		serverURL = viper.GetString("server_url")
	}
	if token == "" {
		token = viper.GetString("token")
	}
	if caCert == "" {
		caCert = viper.GetString("ca_cert")
	}
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
}

// GetServerURL returns the configured server URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// newClient builds an API client from the resolved flags and config
func newClient() (*client.Client, error) {
	var opts []client.Option
	if caCert != "" {
		tlsCfg, err := tlsutil.ClientConfig(caCert, "", "")
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithTLS(tlsCfg))
	}
	return client.New(GetServerURL(), token, opts...), nil
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
