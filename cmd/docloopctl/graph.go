package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

// --- Node commands ---

func newNodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect knowledge graph nodes",
	}
	cmd.AddCommand(newNodeListCommand())
	cmd.AddCommand(newNodeShowCommand())
	cmd.AddCommand(newNodeDeleteCommand())
	return cmd
}

func newNodeListCommand() *cobra.Command {
	var nodeType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes, optionally of one type",
		Example: `  docloopctl node list
  docloopctl node list --type=Skill`,
		RunE: runGet(func([]string) string { return "/api/v1/nodes" }, func() url.Values {
			params := url.Values{}
			if nodeType != "" {
				params.Set("type", nodeType)
			}
			return params
		}),
	}
	cmd.Flags().StringVarP(&nodeType, "type", "t", "", "Node type: Document, Concept, Issue, PullRequest, Skill")
	return cmd
}

func newNodeShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "show <id>",
		Short:   "Show a node and its edges",
		Example: `  docloopctl node show Document:docs/storage.md`,
		Args:    cobra.ExactArgs(1),
		RunE: runGet(func(args []string) string {
			return "/api/v1/nodes/" + escapeID(args[0])
		}, nil),
	}
}

func newNodeDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a Document, Concept or Skill node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().delete("/api/v1/nodes/" + escapeID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newEdgesCommand() *cobra.Command {
	var incoming bool
	cmd := &cobra.Command{
		Use:   "edges <id>",
		Short: "List edges leaving a node (or entering it with --in)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if incoming {
				params.Set("to", args[0])
			} else {
				params.Set("from", args[0])
			}
			return runGet(func([]string) string { return "/api/v1/edges" }, func() url.Values { return params })(cmd, args)
		},
	}
	cmd.Flags().BoolVar(&incoming, "in", false, "List incoming edges")
	return cmd
}

func newImpactCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "impact <id>",
		Short:   "Show the nodes and skills affected by a change to a node",
		Example: `  docloopctl impact Document:docs/storage.md`,
		Args:    cobra.ExactArgs(1),
		RunE: runGet(func(args []string) string {
			return "/api/v1/impact/" + escapeID(args[0])
		}, nil),
	}
}

func newDocumentCommand() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:     "document <path>",
		Short:   "Record a document change and list the skills it feeds",
		Example: `  docloopctl document docs/storage.md --title="Storage API"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{"path": args[0]}
			if title != "" {
				body["properties"] = map[string]interface{}{"title": title}
			}
			data, err := newClient().post("/api/v1/documents", nil, body)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Document title")
	return cmd
}

func newSkillCommand() *cobra.Command {
	var (
		platform string
		sources  []string
		includes []string
		concepts []string
	)
	cmd := &cobra.Command{
		Use:     "skill <path>",
		Short:   "Register a generated skill and its provenance",
		Example: `  docloopctl skill storage.md --platform=claude --source=docs/storage.md`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"platform": platform,
				"path":     args[0],
				"sources":  sources,
				"includes": includes,
				"concepts": concepts,
			}
			data, err := newClient().post("/api/v1/skills", nil, body)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "Target platform (required)")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "Document path the skill is generated from")
	cmd.Flags().StringSliceVar(&includes, "include", nil, "Document path embedded verbatim")
	cmd.Flags().StringSliceVar(&concepts, "concept", nil, "Concept the skill explains")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func newSnapshotCommand() *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the graph snapshot, or write it on the server with --write",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			var (
				data []byte
				err  error
			)
			if write {
				data, err = c.post("/api/v1/snapshot", nil, nil)
			} else {
				data, err = c.get("/api/v1/snapshot", nil)
			}
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "Write the snapshot file on the server")
	return cmd
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show graph, queue and cache statistics",
		RunE:  runGet(func([]string) string { return "/api/v1/stats" }, nil),
	}
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runGet(func([]string) string { return "/api/v1/health" }, nil),
	}
}
