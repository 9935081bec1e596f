// Package main is the syncctl operator CLI. It talks to a running worker's
// verification API to inspect a learner's progression and manage manual
// overrides.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncctl",
		Short: "fluency-sync operator CLI",
		Long:  "syncctl inspects learner progression state and manages manual track overrides through a running worker's API.",
	}
	rootCmd.PersistentFlags().String("api", apiURL(), "Worker API base URL")

	rootCmd.AddCommand(newProgressionCommand())
	rootCmd.AddCommand(newOverridesCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("SYNC_API_URL"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

func newProgressionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "progression <learner-id>",
		Short: "Show a learner's derived progression state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, _ := cmd.Flags().GetString("api")
			url := fmt.Sprintf("%s/api/v1/learners/%s/progression", base, args[0])
			return getAndPrint(url)
		},
	}
}

func newOverridesCommand() *cobra.Command {
	overridesCmd := &cobra.Command{
		Use:   "overrides",
		Short: "Manage manual track overrides",
	}

	setCmd := &cobra.Command{
		Use:   "set <learner-id>",
		Short: "Add force-unlock/force-lock tracks for a learner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, _ := cmd.Flags().GetString("api")
			unlock, _ := cmd.Flags().GetStringSlice("unlock")
			lock, _ := cmd.Flags().GetStringSlice("lock")
			if len(unlock) == 0 && len(lock) == 0 {
				return fmt.Errorf("at least one of --unlock or --lock is required")
			}

			body, _ := json.Marshal(map[string][]string{
				"force_unlock": unlock,
				"force_lock":   lock,
			})
			url := fmt.Sprintf("%s/api/v1/learners/%s/overrides", base, args[0])

			resp, err := httpClient().Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
	setCmd.Flags().StringSlice("unlock", nil, "Tracks to force-unlock (comma separated)")
	setCmd.Flags().StringSlice("lock", nil, "Tracks to force-lock (comma separated)")
	overridesCmd.AddCommand(setCmd)

	clearCmd := &cobra.Command{
		Use:   "clear <learner-id>",
		Short: "Remove all overrides for a learner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, _ := cmd.Flags().GetString("api")
			url := fmt.Sprintf("%s/api/v1/learners/%s/overrides", base, args[0])

			req, err := http.NewRequest(http.MethodDelete, url, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient().Do(req)
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
	overridesCmd.AddCommand(clearCmd)

	return overridesCmd
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 90 * time.Second}
}

func getAndPrint(url string) error {
	resp, err := httpClient().Get(url)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

// printResponse pretty-prints the JSON body and maps non-2xx statuses to a
// non-zero exit.
func printResponse(resp *http.Response) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(strings.TrimSpace(string(body)))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("api returned %s", resp.Status)
	}
	return nil
}
