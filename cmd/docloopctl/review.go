package main

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// --- Review commands ---

func newReviewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Inspect and drive pull request reviews",
	}
	cmd.AddCommand(newReviewListCommand())
	cmd.AddCommand(newReviewShowCommand())
	cmd.AddCommand(newReviewStartCommand())
	cmd.AddCommand(newReviewStepCommand())
	cmd.AddCommand(newReviewChainCommand())
	return cmd
}

// pullRequestID accepts "PullRequest:12", "#12" or "12"
func pullRequestID(arg string) string {
	trimmed := strings.TrimPrefix(arg, "#")
	if _, err := strconv.Atoi(trimmed); err == nil {
		return "PullRequest:" + trimmed
	}
	return arg
}

func newReviewListCommand() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reviews",
		Example: `  docloopctl review list
  docloopctl review list --state=escalated`,
		RunE: runGet(func([]string) string { return "/api/v1/reviews" }, func() url.Values {
			params := url.Values{}
			if state != "" {
				params.Set("state", state)
			}
			return params
		}),
	}
	cmd.Flags().StringVar(&state, "state", "", "Filter by state: pending_review, iterating, merged, escalated")
	return cmd
}

func newReviewShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <pr>",
		Short: "Show the review state of a pull request",
		Args:  cobra.ExactArgs(1),
		RunE: runGet(func(args []string) string {
			return "/api/v1/reviews/" + pullRequestID(args[0])
		}, nil),
	}
}

func newReviewStartCommand() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "start <pr>",
		Short: "Start the review chain for a pending pull request",
		Example: `  docloopctl review start 42
  docloopctl review start 42 --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if wait {
				params.Set("sync", "true")
			}
			data, err := newClient().post("/api/v1/reviews/"+pullRequestID(args[0]), params, nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Run the chain to completion and print every transition")
	return cmd
}

func newReviewStepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "step <pr>",
		Short: "Apply exactly one review step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post("/api/v1/reviews/"+pullRequestID(args[0])+"/step", nil, nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

func newReviewChainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chain <pr>",
		Short: "Wait for a Temporal review chain and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: runGet(func(args []string) string {
			return "/api/v1/reviews/" + pullRequestID(args[0]) + "/chain"
		}, nil),
	}
}
