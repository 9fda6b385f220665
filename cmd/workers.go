package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zjrosen/swserver/internal/presentation"
	"github.com/zjrosen/swserver/internal/serviceworker/api"
)

var (
	workersJSON   bool
	dispatchKind  string
	controlRemove bool
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List running worker contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := clientFromConfig()
		if err != nil {
			return err
		}
		var resp api.WorkersResponse
		if err := c.get("/workers", nil, &resp); err != nil {
			return err
		}
		dtos := make([]presentation.WorkerStatusDTO, 0, len(resp.Workers))
		for _, w := range resp.Workers {
			dtos = append(dtos, presentation.WorkerStatusDTO{ID: uint64(w.ID), PendingEvents: w.PendingEvents})
		}
		f := presentation.NewFormatter(os.Stdout)
		if workersJSON {
			f = presentation.NewJSONFormatter(os.Stdout)
		}
		return f.FormatWorkers(dtos)
	},
}

var workersDispatchCmd = &cobra.Command{
	Use:   "workers:dispatch <worker>",
	Short: "Run a functional event on a worker and wait for it",
	Long: `Run a fetch, message or push event on a running worker.

The command returns once the handler and every lifetime extension it
registered have settled. Until then the worker is busy, so its termination
and its registration's teardown wait.

Examples:
  swserver workers:dispatch 3
  swserver workers:dispatch 3 --kind push`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		worker, err := parseID("worker", args[0])
		if err != nil {
			return err
		}
		c, err := clientFromConfig()
		if err != nil {
			return err
		}
		var resp api.DispatchResponse
		if err := c.post(fmt.Sprintf("/workers/%d/events", worker), api.DispatchRequest{Kind: dispatchKind}, &resp); err != nil {
			return err
		}
		_, err = fmt.Fprintf(os.Stdout, "%s event settled on worker #%d\n", resp.Kind, resp.Worker)
		return err
	},
}

var workersControlCmd = &cobra.Command{
	Use:   "workers:control <worker> <client>",
	Short: "Mark a client as controlled by a worker",
	Long: `Record that a worker controls a client, or with --release that it no
longer does. A registration being unregistered is torn down once its active
worker controls no clients.

Examples:
  swserver workers:control 3 12
  swserver workers:control 3 12 --release`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		worker, err := parseID("worker", args[0])
		if err != nil {
			return err
		}
		client, err := parseID("client", args[1])
		if err != nil {
			return err
		}
		c, err := clientFromConfig()
		if err != nil {
			return err
		}
		method := "PUT"
		if controlRemove {
			method = "DELETE"
		}
		var resp api.ControlResponse
		if err := c.send(method, fmt.Sprintf("/workers/%d/clients/%d", worker, client), &resp); err != nil {
			return err
		}
		verb := "controls"
		if !resp.Controlled {
			verb = "no longer controls"
		}
		_, err = fmt.Fprintf(os.Stdout, "Worker #%d %s client %d\n", resp.Worker, verb, resp.Client)
		return err
	},
}

func init() {
	workersCmd.Flags().BoolVar(&workersJSON, "json", false, "print JSON")
	workersDispatchCmd.Flags().StringVar(&dispatchKind, "kind", "fetch", "event kind: fetch, message or push")
	workersControlCmd.Flags().BoolVar(&controlRemove, "release", false, "stop controlling the client instead")
	rootCmd.AddCommand(workersCmd, workersDispatchCmd, workersControlCmd)
}

func parseID(name, s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, s)
	}
	return id, nil
}
