package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	// Task submit flags
	botType    string
	notifyHook string

	// Task list flags
	statusFilter   string
	instanceFilter string
)

// tasksCmd represents the tasks command
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage tasks",
	Long:  `Commands for submitting, listing, and cancelling image-generation tasks.`,
}

// tasksSubmitCmd represents the tasks submit command
var tasksSubmitCmd = &cobra.Command{
	Use:   "submit <prompt>",
	Short: "Submit an imagine task",
	Long:  `Submit a new imagine task with the given prompt.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksSubmit,
}

// tasksStatusCmd represents the tasks status command
var tasksStatusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Get task status",
	Long:  `Retrieve the status of a specific task by its ID. If no ID is provided, lists all tasks.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTasksStatus,
}

// tasksCancelCmd represents the tasks cancel command
var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Long:  `Cancel a queued or running task.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksCancel,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksSubmitCmd)
	tasksCmd.AddCommand(tasksStatusCmd)
	tasksCmd.AddCommand(tasksCancelCmd)

	tasksSubmitCmd.Flags().StringVar(&botType, "bot", "MID_JOURNEY", "bot type (MID_JOURNEY, NIJI_JOURNEY)")
	tasksSubmitCmd.Flags().StringVar(&notifyHook, "notify", "", "webhook URL for state-change callbacks")

	tasksStatusCmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (SUBMITTED, IN_PROGRESS, SUCCESS, FAILURE, CANCEL)")
	tasksStatusCmd.Flags().StringVar(&instanceFilter, "instance", "", "filter by account channel id")
}

type submitRequest struct {
	Prompt     string `json:"prompt"`
	BotType    string `json:"bot_type,omitempty"`
	NotifyHook string `json:"notify_hook,omitempty"`
}

type submitResponse struct {
	Code          int    `json:"code"`
	Description   string `json:"description"`
	TaskID        string `json:"job_id,omitempty"`
	NumberInQueue int    `json:"number_in_queue,omitempty"`
}

type taskResponse struct {
	ID         string     `json:"id"`
	Action     string     `json:"action"`
	Status     string     `json:"status"`
	Progress   string     `json:"progress,omitempty"`
	Prompt     string     `json:"prompt,omitempty"`
	InstanceID string     `json:"instance_id,omitempty"`
	ImageURL   string     `json:"image_url,omitempty"`
	FailReason string     `json:"fail_reason,omitempty"`
	SubmitTime *time.Time `json:"submit_time,omitempty"`
	FinishTime *time.Time `json:"finish_time,omitempty"`
}

func runTasksSubmit(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/mj/submit/imagine", GetServerURL())

	reqBody, err := json.Marshal(submitRequest{
		Prompt:     args[0],
		BotType:    botType,
		NotifyHook: notifyHook,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := CreateAuthenticatedRequest("POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	var result submitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Task submitted: %s\n", result.TaskID)
	if result.NumberInQueue > 0 {
		fmt.Printf("Queued behind %d task(s)\n", result.NumberInQueue)
	}
	return nil
}

func runTasksStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listAllTasks()
	}

	url := fmt.Sprintf("%s/mj/task/%s/fetch", GetServerURL(), args[0])
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

	var task taskResponse
	if err := json.Unmarshal(body, &task); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(task, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Task ID", task.ID)
	table.Append("Action", task.Action)
	table.Append("Status", task.Status)
	table.Append("Progress", orDash(task.Progress))
	table.Append("Prompt", orDash(task.Prompt))
	table.Append("Account", orDash(task.InstanceID))
	table.Append("Image", orDash(task.ImageURL))
	if task.FailReason != "" {
		table.Append("Failure", task.FailReason)
	}
	if task.SubmitTime != nil {
		table.Append("Submitted", task.SubmitTime.Format(time.RFC3339))
	}
	if task.FinishTime != nil {
		table.Append("Finished", task.FinishTime.Format(time.RFC3339))
	}
	table.Render()
	return nil
}

func listAllTasks() error {
	url := fmt.Sprintf("%s/mj/task/list", GetServerURL())
	if statusFilter != "" {
		url += "?status=" + statusFilter
	} else if instanceFilter != "" {
		url += "?instance_id=" + instanceFilter
	}

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

	var tasks []taskResponse
	if err := json.Unmarshal(body, &tasks); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(tasks, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Task ID", "Action", "Status", "Progress", "Account", "Failure")
	for _, task := range tasks {
		table.Append(task.ID, task.Action, task.Status, orDash(task.Progress), orDash(task.InstanceID), orDash(task.FailReason))
	}
	table.Render()
	fmt.Printf("\nTotal: %d task(s)\n", len(tasks))
	return nil
}

func runTasksCancel(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/mj/task/%s/cancel", GetServerURL(), args[0])
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

	fmt.Printf("Task %s cancelled\n", args[0])
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
