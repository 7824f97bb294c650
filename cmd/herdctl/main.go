package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	serverAddr string
	apiPrefix  = "/apis/groupherd.io/v1"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "herdctl",
		Short: "herdctl controls the Groupherd membership orchestrator",
		Long:  `A command line tool to manage group memberships, retry records and circuit breakers.`,
	}

	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "http://localhost:8080", "The address and port of the Groupherd API server")

	rootCmd.AddCommand(newMemberCommand())
	rootCmd.AddCommand(newProvidersCommand())
	rootCmd.AddCommand(newRetriesCommand())
	rootCmd.AddCommand(newBreakersCommand())
	rootCmd.AddCommand(newReconcileCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type membershipResult struct {
	Success  bool   `json:"success"`
	Headline string `json:"headline"`
	Detail   string `json:"detail,omitempty"`
	Propagation []struct {
		Provider string `json:"provider"`
		Status   string `json:"status"`
		Message  string `json:"message,omitempty"`
		Queued   bool   `json:"queued"`
	} `json:"propagation,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	CorrelationID string   `json:"correlationId"`
}

func newMemberCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage group membership",
	}
	cmd.AddCommand(newMemberChangeCommand("add"))
	cmd.AddCommand(newMemberChangeCommand("remove"))
	cmd.AddCommand(newMemberApplyCommand())
	return cmd
}

// newMemberApplyCommand submits a YAML file of membership changes, one
// request per entry, and stops at the first server error.
func newMemberApplyCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a batch of membership changes from a YAML file",
		Run: func(cmd *cobra.Command, args []string) {
			if file == "" {
				fmt.Println("Error: must specify -f <file>")
				return
			}

			data, err := os.ReadFile(file)
			if err != nil {
				fmt.Printf("Error reading file: %v\n", err)
				return
			}

			var changes []struct {
				Action        string `yaml:"action"`
				GroupID       string `yaml:"groupId"`
				MemberEmail   string `yaml:"memberEmail"`
				Justification string `yaml:"justification"`
			}
			if err := yaml.Unmarshal(data, &changes); err != nil {
				fmt.Printf("Error parsing YAML: %v\n", err)
				return
			}

			for i, change := range changes {
				body, _ := json.Marshal(map[string]any{
					"action":        change.Action,
					"groupId":       change.GroupID,
					"memberEmail":   change.MemberEmail,
					"justification": change.Justification,
				})

				resp, err := http.Post(serverAddr+apiPrefix+"/membership", "application/json", bytes.NewBuffer(body))
				if err != nil {
					fmt.Printf("Error connecting to server: %v\n", err)
					return
				}

				var result membershipResult
				decodeErr := json.NewDecoder(resp.Body).Decode(&result)
				resp.Body.Close()

				if resp.StatusCode >= 300 || decodeErr != nil {
					fmt.Printf("Entry %d failed (Status: %d)\n", i+1, resp.StatusCode)
					return
				}

				if result.Success {
					fmt.Printf("✓ %s\n", result.Headline)
				} else {
					fmt.Printf("✗ %s\n", result.Headline)
				}
				for _, warning := range result.Warnings {
					fmt.Printf("  ⚠ %s\n", warning)
				}
			}
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file of membership changes to apply")
	return cmd
}

func newMemberChangeCommand(action string) *cobra.Command {
	var dryRun bool
	var justification, requestor string

	cmd := &cobra.Command{
		Use:   action + " [group-id] [email]",
		Short: fmt.Sprintf("%s a member %s a group across all providers", action, map[string]string{"add": "to", "remove": "from"}[action]),
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			body, _ := json.Marshal(map[string]any{
				"action":        action,
				"groupId":       args[0],
				"memberEmail":   args[1],
				"justification": justification,
				"requestor":     requestor,
				"dryRun":        dryRun,
			})

			resp, err := http.Post(serverAddr+apiPrefix+"/membership", "application/json", bytes.NewBuffer(body))
			if err != nil {
				fmt.Printf("Error connecting to server: %v\n", err)
				return
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 300 {
				raw, _ := io.ReadAll(resp.Body)
				fmt.Printf("Error from server (%d): %s\n", resp.StatusCode, string(raw))
				return
			}

			var result membershipResult
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				fmt.Printf("Error decoding server response: %v\n", err)
				return
			}

			if result.Success {
				fmt.Printf("✓ %s\n", result.Headline)
			} else {
				fmt.Printf("✗ %s\n", result.Headline)
				if result.Detail != "" {
					fmt.Printf("  %s\n", result.Detail)
				}
			}

			if len(result.Propagation) > 0 {
				w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, '\t', 0)
				fmt.Fprintln(w, "PROVIDER\tSTATUS\tMESSAGE")
				for _, p := range result.Propagation {
					msg := p.Message
					if p.Queued {
						msg += " [queued]"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", p.Provider, p.Status, msg)
				}
				w.Flush()
			}

			for _, warning := range result.Warnings {
				fmt.Printf("⚠ %s\n", warning)
			}

			fmt.Printf("Correlation ID: %s\n", result.CorrelationID)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and show the plan without changing anything")
	cmd.Flags().StringVar(&justification, "justification", "", "Reason for the change, recorded with the request")
	cmd.Flags().StringVar(&requestor, "requestor", "", "Identity of the person requesting the change")
	return cmd
}

func newProvidersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Display configured providers",
		Run: func(cmd *cobra.Command, args []string) {
			var items []struct {
				Name    string `json:"name"`
				Primary bool   `json:"primary"`
				Prefix  string `json:"prefix"`
			}
			if !getJSON("/providers", &items) {
				return
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, '\t', 0)
			fmt.Fprintln(w, "NAME\tROLE\tPREFIX")
			for _, item := range items {
				role := "secondary"
				if item.Primary {
					role = "primary"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", item.Name, role, item.Prefix)
			}
			w.Flush()
		},
	}
}

func newRetriesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retries",
		Short: "Inspect and manage retry records",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "Display retry records",
		Run: func(cmd *cobra.Command, args []string) {
			path := "/retries"
			if status != "" {
				path += "?status=" + status
			}

			var records []struct {
				ID      string `json:"id"`
				Payload struct {
					Provider    string `json:"provider"`
					Action      string `json:"action"`
					GroupID     string `json:"groupId"`
					MemberEmail string `json:"memberEmail"`
				} `json:"payload"`
				Status      string `json:"status"`
				Attempts    int    `json:"attempts"`
				NextAttempt string `json:"nextAttemptAt"`
			}
			if !getJSON(path, &records) {
				return
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, '\t', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tACTION\tGROUP\tMEMBER\tSTATUS\tATTEMPTS\tNEXT")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					rec.ID, rec.Payload.Provider, rec.Payload.Action, rec.Payload.GroupID,
					rec.Payload.MemberEmail, rec.Status, rec.Attempts, rec.NextAttempt)
			}
			w.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by record status (PENDING, FAILED_PERMANENT, COMPLETED)")

	get := &cobra.Command{
		Use:   "get [id]",
		Short: "Display a single retry record",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var record map[string]any
			if !getJSON("/retries/"+args[0], &record) {
				return
			}
			out, _ := json.MarshalIndent(record, "", "  ")
			fmt.Println(string(out))
		},
	}

	requeue := &cobra.Command{
		Use:   "requeue [id]",
		Short: "Put a dead-lettered record back in the retry queue",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := http.Post(serverAddr+apiPrefix+"/retries/"+args[0]+"/requeue", "application/json", nil)
			if err != nil {
				fmt.Printf("Error connecting to server: %v\n", err)
				return
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				fmt.Printf("✓ Record %q requeued\n", args[0])
			} else {
				body, _ := io.ReadAll(resp.Body)
				fmt.Printf("Failed to requeue (Status: %d): %s\n", resp.StatusCode, string(body))
			}
		},
	}

	var output string
	export := &cobra.Command{
		Use:   "export",
		Short: "Export retry records to an xlsx spreadsheet",
		Run: func(cmd *cobra.Command, args []string) {
			path := "/retries/export"
			if status != "" {
				path += "?status=" + status
			}

			resp, err := http.Get(serverAddr + apiPrefix + path)
			if err != nil {
				fmt.Printf("Error connecting to server: %v\n", err)
				return
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				fmt.Printf("Error from server (%d): %s\n", resp.StatusCode, string(body))
				return
			}

			f, err := os.Create(output)
			if err != nil {
				fmt.Printf("Error creating file: %v\n", err)
				return
			}
			defer f.Close()

			n, err := io.Copy(f, resp.Body)
			if err != nil {
				fmt.Printf("Error writing file: %v\n", err)
				return
			}
			fmt.Printf("✓ Wrote %d bytes to %s\n", n, output)
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "retries.xlsx", "Output file path")
	export.Flags().StringVar(&status, "status", "", "Filter by record status")

	cmd.AddCommand(list, get, requeue, export)
	return cmd
}

func newBreakersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breakers",
		Short: "Inspect and manage circuit breakers",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Display circuit breaker states",
		Run: func(cmd *cobra.Command, args []string) {
			var stats []struct {
				Name         string `json:"name"`
				State        string `json:"state"`
				FailureCount int    `json:"failureCount"`
				LastFailure  string `json:"lastFailureTime,omitempty"`
			}
			if !getJSON("/breakers", &stats) {
				return
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, '\t', 0)
			fmt.Fprintln(w, "NAME\tSTATE\tFAILURES\tLAST FAILURE")
			for _, s := range stats {
				last := s.LastFailure
				if last == "" {
					last = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, s.State, s.FailureCount, last)
			}
			w.Flush()
		},
	}

	reset := &cobra.Command{
		Use:   "reset [name]",
		Short: "Force a circuit breaker back to closed",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := http.Post(serverAddr+apiPrefix+"/breakers/"+args[0]+"/reset", "application/json", nil)
			if err != nil {
				fmt.Printf("Error connecting to server: %v\n", err)
				return
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				fmt.Printf("✓ Breaker %q reset\n", args[0])
			} else {
				body, _ := io.ReadAll(resp.Body)
				fmt.Printf("Failed to reset (Status: %d): %s\n", resp.StatusCode, string(body))
			}
		},
	}

	cmd.AddCommand(list, reset)
	return cmd
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Manually trigger a reconciliation batch",
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := http.Post(serverAddr+apiPrefix+"/reconcile", "application/json", nil)
			if err != nil {
				fmt.Printf("Error connecting to server: %v\n", err)
				return
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				fmt.Printf("Error from server (%d): %s\n", resp.StatusCode, string(body))
				return
			}

			var stats map[string]any
			json.Unmarshal(body, &stats)
			fmt.Printf("✓ Batch complete: %v processed, %v succeeded, %v retried, %v dead-lettered\n",
				stats["processed"], stats["successful"], stats["retried"], stats["permanentFailures"])
		},
	}
}

func getJSON(path string, out any) bool {
	resp, err := http.Get(serverAddr + apiPrefix + path)
	if err != nil {
		fmt.Printf("Error connecting to server: %v\n", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Printf("Error from server (%d): %s\n", resp.StatusCode, string(body))
		return false
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		fmt.Printf("Error decoding server response: %v\n", err)
		return false
	}
	return true
}
