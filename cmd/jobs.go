package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zjrosen/swserver/internal/presentation"
	"github.com/zjrosen/swserver/internal/serviceworker/api"
)

var (
	jobClientURL      string
	jobTopOrigin      string
	jobScriptURL      string
	jobScopeURL       string
	jobUpdateViaCache string
	jobWorkerType     string
	historyLimit      int
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a service worker",
	Long: `Schedule a register job on the daemon and wait for its outcome.

The scope defaults to the script's directory.

Examples:
  swserver register --script https://example.com/sw.js
  swserver register -s https://example.com/app/sw.js --scope https://example.com/app/ --update-via-cache none`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobCommand(cmd, "register")
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update an existing registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobCommand(cmd, "update")
	},
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "Unregister the registration at a scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jobScopeURL == "" {
			return cmd.Help()
		}
		return runJobCommand(cmd, "unregister")
	},
}

var jobsHistoryCmd = &cobra.Command{
	Use:   "jobs:history",
	Short: "Show recent job outcomes from the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := clientFromConfig()
		if err != nil {
			return err
		}
		var resp api.HistoryResponse
		if err := c.get("/jobs/history", url.Values{"limit": {strconv.Itoa(historyLimit)}}, &resp); err != nil {
			return err
		}
		return presentation.NewJSONFormatter(os.Stdout).FormatJSON(resp.Entries)
	},
}

func init() {
	for _, c := range []*cobra.Command{registerCmd, updateCmd} {
		c.Flags().StringVarP(&jobScriptURL, "script", "s", "", "script URL (required)")
		c.Flags().StringVar(&jobUpdateViaCache, "update-via-cache", "", "imports, all or none")
		c.Flags().StringVar(&jobWorkerType, "type", "", "classic or module")
	}
	for _, c := range []*cobra.Command{registerCmd, updateCmd, unregisterCmd} {
		c.Flags().StringVar(&jobScopeURL, "scope", "", "scope URL")
		c.Flags().StringVarP(&jobClientURL, "client-url", "u", "", "URL of the registering client (default: the scope)")
		c.Flags().StringVar(&jobTopOrigin, "top-origin", "", "top-level origin (default: the client URL's origin)")
		rootCmd.AddCommand(c)
	}
	jobsHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of entries")
	rootCmd.AddCommand(jobsHistoryCmd)
}

func runJobCommand(cmd *cobra.Command, jobType string) error {
	req, err := buildJobRequest(jobType)
	if err != nil {
		return err
	}
	if req.ScopeURL == "" {
		return cmd.Help()
	}
	c, err := clientFromConfig()
	if err != nil {
		return err
	}
	resp, err := c.runJob(req)
	if err != nil {
		return err
	}
	if resp.Registration == nil {
		_, err = fmt.Fprintf(os.Stdout, "%s: %s\n", resp.Type, resp.Outcome)
		return err
	}
	return presentation.NewJSONFormatter(os.Stdout).FormatJSON(presentation.FromRegistrationData(*resp.Registration))
}

// buildJobRequest fills in the defaults a page would: the scope is the
// script's directory and the client is the scope page itself.
func buildJobRequest(jobType string) (api.JobRequest, error) {
	req := api.JobRequest{
		Type:           jobType,
		TopOrigin:      jobTopOrigin,
		ClientURL:      jobClientURL,
		ScriptURL:      jobScriptURL,
		ScopeURL:       jobScopeURL,
		UpdateViaCache: jobUpdateViaCache,
		WorkerType:     jobWorkerType,
	}
	if jobType != "unregister" && req.ScriptURL == "" {
		return req, fmt.Errorf("--script is required")
	}
	if req.ScopeURL == "" && req.ScriptURL != "" {
		script, err := url.Parse(req.ScriptURL)
		if err != nil {
			return req, fmt.Errorf("--script: %w", err)
		}
		req.ScopeURL = script.ResolveReference(&url.URL{Path: "./"}).String()
	}
	if req.ClientURL == "" {
		req.ClientURL = req.ScopeURL
	}
	return req, nil
}
