package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// accountsCmd represents the accounts command
var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage accounts",
	Long:  `Commands for listing and managing the upstream accounts registered on the daemon.`,
}

// accountsListCmd represents the accounts list command
var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	Long:  `List all registered accounts with their live load.`,
	RunE:  runAccountsList,
}

// accountsReconnectCmd represents the accounts reconnect command
var accountsReconnectCmd = &cobra.Command{
	Use:   "reconnect <channel-id>",
	Short: "Reconnect an account",
	Long:  `Tear down and re-establish the upstream connection for one account.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsReconnect,
}

// accountsRemoveCmd represents the accounts remove command
var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <channel-id>",
	Short: "Remove an account",
	Long:  `Dispose the account's instance and delete it from the store.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRemove,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsReconnectCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
}

type accountResponse struct {
	ChannelID     string `json:"channel_id"`
	UserToken     string `json:"user_token"`
	Enabled       bool   `json:"enabled"`
	Locked        bool   `json:"locked"`
	FastExhausted bool   `json:"fast_exhausted"`
	Mode          string `json:"mode"`
	CoreSize      int    `json:"core_size"`
	Running       int    `json:"running"`
	Queued        int    `json:"queued"`
	Alive         bool   `json:"alive"`
	Remark        string `json:"remark,omitempty"`
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/mj/account/list", GetServerURL())
	httpReq, err := CreateAuthenticatedRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var accounts []accountResponse
	if err := json.Unmarshal(body, &accounts); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(accounts, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Channel", "Token", "Mode", "Alive", "Running", "Queued", "State")
	for _, a := range accounts {
		state := "ok"
		switch {
		case !a.Enabled:
			state = "disabled"
		case a.Locked:
			state = "captcha"
		case a.FastExhausted:
			state = "fast exhausted"
		}
		table.Append(a.ChannelID, a.UserToken, a.Mode,
			fmt.Sprintf("%v", a.Alive),
			fmt.Sprintf("%d", a.Running),
			fmt.Sprintf("%d", a.Queued),
			state)
	}
	table.Render()
	fmt.Printf("\nTotal: %d account(s)\n", len(accounts))
	return nil
}

func runAccountsReconnect(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/mj/account/%s/reconnect", GetServerURL(), args[0])
	httpReq, err := CreateAuthenticatedRequest("POST", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	fmt.Printf("Account %s reconnected\n", args[0])
	return nil
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/mj/account/%s", GetServerURL(), args[0])
	httpReq, err := CreateAuthenticatedRequest("DELETE", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := GetHTTPClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	fmt.Printf("Account %s removed\n", args[0])
	return nil
}
