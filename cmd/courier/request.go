package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/courier/internal/api"
	"github.com/mattjoyce/courier/internal/inspect"
	"github.com/mattjoyce/courier/internal/journal"
	"github.com/mattjoyce/courier/internal/message"
	"github.com/mattjoyce/courier/internal/storage"
)

type clientOptions struct {
	APIURL string
	APIKey string
}

func (o *clientOptions) client() *api.Client {
	return api.NewClient(o.APIURL, o.APIKey)
}

func newRequestCommand(root *rootOptions) *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Submit requests and read their outcome",
		Long: `Submit requests and read their outcome.

submit, get, and wait talk to a running dispatcher over the API. inspect and
recent read the journal directly and work without one.`,
	}
	cmd.PersistentFlags().StringVar(&opts.APIURL, "api-url", "http://localhost:8080", "courier API URL")
	cmd.PersistentFlags().StringVar(&opts.APIKey, "api-key", os.Getenv("COURIER_API_KEY"), "API bearer token")

	cmd.AddCommand(newRequestSubmitCommand(opts))
	cmd.AddCommand(newRequestGetCommand(opts))
	cmd.AddCommand(newRequestWaitCommand(opts))
	cmd.AddCommand(newRequestInspectCommand(root))
	cmd.AddCommand(newRequestRecentCommand(root))
	return cmd
}

func newRequestSubmitCommand(opts *clientOptions) *cobra.Command {
	var priority, timeout string
	var wait bool
	var waitFor time.Duration
	cmd := &cobra.Command{
		Use:   "submit <payload>",
		Short: "Queue a payload for the peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			resp, err := client.Submit(cmd.Context(), api.SubmitRequest{
				Payload:  args[0],
				Priority: api.PriorityValue(priority),
				Timeout:  timeout,
			})
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			return waitAndPrint(cmd.Context(), cmd.OutOrStdout(), client, resp.RequestID, waitFor)
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "tier name or integer priority (default normal)")
	cmd.Flags().StringVar(&timeout, "timeout", "", "response timeout for this request, e.g. 45s")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the outcome before returning")
	cmd.Flags().DurationVar(&waitFor, "wait-timeout", time.Minute, "how long --wait blocks")
	return cmd
}

func newRequestGetCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <request-id>",
		Short: "Show a request's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newRequestWaitCommand(opts *clientOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <request-id>",
		Short: "Block until a request completes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return waitAndPrint(cmd.Context(), cmd.OutOrStdout(), opts.client(), args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait")
	return cmd
}

func waitAndPrint(ctx context.Context, w io.Writer, client *api.Client, id string, timeout time.Duration) error {
	status, done, err := client.Wait(ctx, id, timeout)
	if err != nil {
		return err
	}
	if err := printJSON(w, status); err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("request %s still %s after %s", id, status.Status, timeout)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openJournal opens the journal named by the configuration. The returned
// close func releases the database.
func openJournal(ctx context.Context, root *rootOptions) (*journal.Store, message.Tiers, func(), error) {
	cfg, _, err := loadConfig(root.ConfigPath)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open journal: %w", err)
	}
	return journal.New(db), cfg.Tiers(), func() { _ = db.Close() }, nil
}

func newRequestInspectCommand(root *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect <request-id>",
		Short: "Show a request's full history from the journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, tiers, closeDB, err := openJournal(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer closeDB()

			build := inspect.BuildReport
			if jsonOut {
				build = inspect.BuildJSONReport
			}
			report, err := build(cmd.Context(), store, tiers, args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report)
			if jsonOut {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func newRequestRecentCommand(root *rootOptions) *cobra.Command {
	var jsonOut bool
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent requests in the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, tiers, closeDB, err := openJournal(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer closeDB()

			list, err := inspect.Recent(cmd.Context(), store, tiers, limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), list)
			}
			fmt.Fprint(cmd.OutOrStdout(), inspect.FormatRecent(list))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of requests to list")
	return cmd
}
