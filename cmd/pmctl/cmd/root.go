package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	apiSecret    string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pmctl",
	Short: "CLI for the promptmux daemon",
	Long:  `pmctl is a command line interface for submitting jobs and managing accounts on a running promptmux daemon.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pmctl/config)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "daemon API URL (default from config or http://localhost:8086)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		configDir := filepath.Join(home, ".pmctl")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("api_secret", "PROMPTMUX_API_SECRET")
	viper.BindEnv("server_url", "PROMPTMUX_SERVER_URL")

	// Flags win over config file and environment.
	_ = viper.ReadInConfig()
	if serverURL == "" {
		serverURL = viper.GetString("server_url")
	}
	if apiSecret == "" {
		apiSecret = viper.GetString("api_secret")
	}

	if serverURL == "" {
		serverURL = "http://localhost:8086"
	}
}

// GetServerURL returns the daemon base URL without a trailing slash
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetHTTPClient returns the client used for all daemon calls
func GetHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// CreateAuthenticatedRequest creates an HTTP request with the bearer secret if configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if apiSecret != "" {
		req.Header.Set("Authorization", "Bearer "+apiSecret)
	}
	return req, nil
}
