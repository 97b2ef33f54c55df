package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/niczy/revbranch/internal/models"
	"github.com/niczy/revbranch/internal/revision"
	"github.com/niczy/revbranch/internal/storage"
	"github.com/spf13/cobra"
)

func (a *app) branchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Inspect and manage branches",
	}
	cmd.AddCommand(a.branchListCmd())
	cmd.AddCommand(a.branchGetCmd())
	cmd.AddCommand(a.branchCreateCmd())
	cmd.AddCommand(a.branchDeleteCmd())
	cmd.AddCommand(a.branchStateCmd())
	cmd.AddCommand(a.branchMergeCmd())
	return cmd
}

func (a *app) branchListCmd() *cobra.Command {
	var (
		under   string
		deleted bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withIndex(cmd, func(ctx context.Context, r *revision.RevisionIndex) error {
				var where storage.Expression = storage.MatchAll{}
				if under != "" {
					where = storage.Prefix{Field: "path", Prefix: under + models.BranchSeparator}
				}
				if !deleted {
					where = storage.Bool{Must: []storage.Expression{where, storage.Exact{Field: "deleted", Value: false}}}
				}
				branches, err := r.Branching().Search(ctx, where)
				if err != nil {
					return err
				}
				return printJSON(cmd, branches)
			})
		},
	}
	cmd.Flags().StringVar(&under, "under", "", "Only list branches below this path")
	cmd.Flags().BoolVar(&deleted, "deleted", false, "Include deleted branches")
	return cmd
}

func (a *app) branchGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Show one branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withIndex(cmd, func(ctx context.Context, r *revision.RevisionIndex) error {
				branch, err := r.Branching().GetBranch(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, branch)
			})
		},
	}
}

func (a *app) branchCreateCmd() *cobra.Command {
	var (
		metadata []string
		reopen   bool
	)
	cmd := &cobra.Command{
		Use:   "create <parent> <name>",
		Short: "Create a child branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			return a.withIndex(cmd, func(ctx context.Context, r *revision.RevisionIndex) error {
				if reopen {
					branch, err := r.Branching().Reopen(ctx, args[0], args[1], meta)
					if err != nil {
						return err
					}
					return printJSON(cmd, branch)
				}
				path, err := r.Branching().CreateBranch(ctx, args[0], args[1], meta)
				if err != nil {
					return err
				}
				branch, err := r.Branching().GetBranch(ctx, path)
				if err != nil {
					return err
				}
				return printJSON(cmd, branch)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&metadata, "meta", "m", nil, "Metadata entries as key=value")
	cmd.Flags().BoolVar(&reopen, "reopen", false, "Replace an existing branch with a fresh one on the parent's head")
	return cmd
}

func (a *app) branchDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <path>",
		Short: "Delete a branch and every branch below it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withIndex(cmd, func(ctx context.Context, r *revision.RevisionIndex) error {
				return r.Branching().Delete(ctx, args[0])
			})
		},
	}
}

func (a *app) branchStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <path> [compare-path]",
		Short: "Compare a branch with its parent or another branch",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			compare := ""
			if len(args) == 2 {
				compare = args[1]
			}
			return a.withIndex(cmd, func(ctx context.Context, r *revision.RevisionIndex) error {
				state, err := r.Branching().State(ctx, args[0], compare)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), state.String())
				return err
			})
		},
	}
}

func (a *app) branchMergeCmd() *cobra.Command {
	var (
		squash  bool
		exclude []string
		author  string
		message string
	)
	cmd := &cobra.Command{
		Use:   "merge <from> <to>",
		Short: "Merge one branch into another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withIndex(cmd, func(ctx context.Context, r *revision.RevisionIndex) error {
				commit, err := r.Branching().PrepareMerge(args[0], args[1]).
					Squash(squash).
					Exclude(exclude...).
					Author(author).
					Message(message).
					Merge(ctx)
				if err != nil {
					return err
				}
				if commit == nil {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), "nothing to merge")
					return err
				}
				return printJSON(cmd, commit)
			})
		},
	}
	cmd.Flags().BoolVar(&squash, "squash", false, "Copy the source changes instead of linking its history")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Object ids to leave out")
	cmd.Flags().StringVar(&author, "author", "", "Commit author")
	cmd.Flags().StringVar(&message, "message", "", "Commit comment")
	return cmd
}

func (a *app) compareCmd() *cobra.Command {
	var opts revision.CompareOptions
	cmd := &cobra.Command{
		Use:   "compare <base> <compare>",
		Short: "List what is visible on compare but not on base",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withIndex(cmd, func(ctx context.Context, r *revision.RevisionIndex) error {
				result, err := r.CompareBranches(ctx, args[0], args[1], opts)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of details (defaults to compare.default_limit)")
	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "Only these document types")
	cmd.Flags().StringSliceVar(&opts.IDs, "id", nil, "Only these object ids")
	cmd.Flags().StringSliceVar(&opts.Exclude, "exclude", nil, "Object ids to leave out")
	cmd.Flags().BoolVar(&opts.PropertyChangesOnly, "properties-only", false, "Only report property changes")
	return cmd
}

func parseMetadata(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata entry %q, want key=value", e)
		}
		out[k] = v
	}
	return out, nil
}
