package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deliverline/internal/domain"
	"deliverline/internal/engine"
)

type deliverableView struct {
	domain.Deliverable
	Derived domain.Derived `json:"derived"`
}

func deliverableCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "deliverable", Aliases: []string{"d"}, Short: "Manage deliverables"}
	cmd.AddCommand(deliverableCreateCmd())
	cmd.AddCommand(deliverableListCmd())
	cmd.AddCommand(deliverableShowCmd())
	cmd.AddCommand(deliverableStatusCmd("start", "Mark a deliverable in progress", domain.StatusInProgress))
	cmd.AddCommand(deliverableStatusCmd("done", "Mark a deliverable done", domain.StatusDone))
	cmd.AddCommand(deliverablePriorityCmd())
	cmd.AddCommand(deliverableDeadlineCmd())
	cmd.AddCommand(deliverableTagCmd())
	cmd.AddCommand(deliverableDeleteCmd())
	cmd.AddCommand(attentionCmd())
	return cmd
}

func deliverableCreateCmd() *cobra.Command {
	var name, desc, dept, deadline, priority, scanURL string
	var tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deliverable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				due, err := parseDeadline(deadline, e.Now())
				if err != nil {
					return err
				}
				d, err := e.CreateDeliverable(ctx, engine.DeliverableCreateOptions{
					ActorID:     actorID,
					Name:        name,
					Description: desc,
					Department:  domain.Department(dept),
					Deadline:    due,
					Priority:    priority,
					Tags:        tags,
					ScanURL:     optionalString(scanURL),
				})
				if err != nil {
					return err
				}
				return printDeliverable(d, e.Now())
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "deliverable name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&dept, "department", "", "department (defaults to your own)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline: 2006-01-02, RFC3339 or offset like 7d")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or urgent")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&scanURL, "scan-url", "", "link to the source document")
	return cmd
}

func deliverableListCmd() *cobra.Command {
	var f engine.ListFilter
	var dept string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List visible deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				f.Department = domain.Department(dept)
				items, err := e.ListDeliverables(ctx, actorID, f)
				if err != nil {
					return err
				}
				return printDeliverables(items, e.Now())
			})
		},
	}
	cmd.Flags().StringVar(&dept, "department", "", "department filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (to_do, in_progress, done)")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter (low, medium, high, urgent)")
	cmd.Flags().StringVar(&f.Tag, "tag", "", "tag filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator user id")
	cmd.Flags().StringVarP(&f.Query, "query", "q", "", "search name, description, department and tags")
	cmd.Flags().StringVar(&f.Sort, "sort", "deadline", "order by deadline, priority, status or department")
	cmd.Flags().BoolVar(&f.Attention, "attention", false, "only deliverables needing attention")
	cmd.Flags().BoolVar(&f.Overdue, "overdue", false, "only overdue deliverables")
	return cmd
}

func deliverableShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				d, err := e.GetDeliverable(ctx, actorID, args[0])
				if err != nil {
					return err
				}
				return printDeliverable(d, e.Now())
			})
		},
	}
}

func deliverableStatusCmd(use, short string, status domain.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateDeliverable(cmd.Context(), engine.DeliverableUpdateOptions{ID: args[0], Status: string(status)})
		},
	}
}

func deliverablePriorityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "priority <id> <low|medium|high|urgent>",
		Short: "Change priority",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateDeliverable(cmd.Context(), engine.DeliverableUpdateOptions{ID: args[0], Priority: args[1]})
		},
	}
}

func deliverableDeadlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deadline <id> <deadline>",
		Short: "Move the deadline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			due, err := parseDeadline(args[1], time.Now())
			if err != nil {
				return err
			}
			return updateDeliverable(cmd.Context(), engine.DeliverableUpdateOptions{ID: args[0], Deadline: &due})
		},
	}
}

func deliverableTagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag <id> <tag>...",
		Short: "Add tags",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateDeliverable(cmd.Context(), engine.DeliverableUpdateOptions{ID: args[0], AddTags: args[1:]})
		},
	}
}

func updateDeliverable(ctx context.Context, opts engine.DeliverableUpdateOptions) error {
	return withActor(ctx, func(ctx context.Context, e engine.Engine, actorID string) error {
		opts.ActorID = actorID
		d, err := e.UpdateDeliverable(ctx, opts)
		if err != nil {
			return err
		}
		return printDeliverable(d, e.Now())
	})
}

func deliverableDeleteCmd() *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				raw := policy
				if raw == "" {
					raw = e.Config.Deliverables.DeletePolicy
				}
				p, err := engine.ParseDeletePolicy(raw)
				if err != nil {
					return err
				}
				if err := e.DeleteDeliverable(ctx, actorID, args[0], p); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": args[0]})
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "", "role or unconditional (defaults to config)")
	return cmd
}

func attentionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attention",
		Short: "List deliverables needing attention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				items, err := e.Attention(ctx, actorID)
				if err != nil {
					return err
				}
				return printDeliverables(items, e.Now())
			})
		},
	}
}

func scanCmd() *cobra.Command {
	var dept, scanURL string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "scan [file]",
		Short: "Create a deliverable from document text (file or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = os.Stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			text, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				res, err := e.IngestScan(ctx, engine.ScanInput{
					ActorID:    actorID,
					Text:       string(text),
					Department: domain.Department(dept),
					ScanURL:    optionalString(scanURL),
					DryRun:     dryRun,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Name:       %s\n", res.Draft.Name)
				fmt.Printf("Department: %s\n", res.Draft.Department)
				detected := "default"
				if res.Draft.DateDetected {
					detected = "detected"
				}
				fmt.Printf("Deadline:   %s (%s)\n", res.Draft.Deadline.Format("2006-01-02"), detected)
				fmt.Printf("Priority:   %s\n", res.Draft.Priority)
				if len(res.Draft.Tags) > 0 {
					fmt.Printf("Tags:       %s\n", strings.Join(res.Draft.Tags, ", "))
				}
				if res.Deliverable != nil {
					fmt.Printf("Created %s\n", res.Deliverable.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dept, "department", "", "department override")
	cmd.Flags().StringVar(&scanURL, "scan-url", "", "link to the scanned document")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only show the draft")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show counts over visible deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				st, err := e.Stats(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Total: %d  Done: %d  Overdue: %d  Attention: %d  Completion: %d%%\n",
					st.Total, st.Done, st.Overdue, st.NeedsAttention, st.CompletionRate)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Department", "Deliverables"})
				for _, dept := range e.Policy.Catalog.All {
					if n := st.ByDepartment[dept]; n > 0 {
						tw.AppendRow(table.Row{dept, n})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func overdueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "overdue", Short: "Overdue maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Recompute the stored overdue day counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RefreshOverdue(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Checked %d, updated %d, overdue %d\n", res.Checked, res.Updated, res.Overdue)
				return nil
			})
		},
	})
	return cmd
}

func printDeliverable(d domain.Deliverable, now time.Time) error {
	view := deliverableView{Deliverable: d, Derived: d.Derive(now)}
	if viper.GetBool("json") {
		return printJSON(view)
	}
	fmt.Printf("%s  %s\n", d.ID, d.Name)
	fmt.Printf("  Department: %s\n", d.Department)
	fmt.Printf("  Status:     %s (%d%%)\n", view.Derived.Label.Text, view.Derived.Progress)
	fmt.Printf("  Priority:   %s\n", d.Priority)
	fmt.Printf("  Deadline:   %s (%s)\n", d.Deadline.Format("2006-01-02 15:04"), view.Derived.Remaining)
	if len(d.Tags) > 0 {
		fmt.Printf("  Tags:       %s\n", strings.Join(d.Tags, ", "))
	}
	if d.Description != "" {
		fmt.Printf("  %s\n", d.Description)
	}
	return nil
}

func printDeliverables(items []domain.Deliverable, now time.Time) error {
	if viper.GetBool("json") {
		views := make([]deliverableView, 0, len(items))
		for _, d := range items {
			views = append(views, deliverableView{Deliverable: d, Derived: d.Derive(now)})
		}
		return printJSON(views)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Department", "Status", "Priority", "Deadline", "Remaining"})
	for _, d := range items {
		der := d.Derive(now)
		tw.AppendRow(table.Row{d.ID, d.Name, d.Department, der.Label.Text, d.Priority, d.Deadline.Format("2006-01-02"), der.Remaining})
	}
	tw.Render()
	return nil
}
