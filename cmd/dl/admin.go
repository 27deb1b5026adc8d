package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deliverline/internal/app"
	"deliverline/internal/config"
	"deliverline/internal/engine"
	"deliverline/internal/snapshot"
	"deliverline/internal/store"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default deliverline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(file); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", file)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (defaults to the workspace deliverline.yml)")
	return cmd
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a CBOR snapshot of users, keys and deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				snap, err := e.Export(ctx, actorID)
				if err != nil {
					return err
				}
				var w io.Writer = os.Stdout
				if out != "" && out != "-" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				if err := snapshot.Write(w, snap); err != nil {
					return err
				}
				if w != os.Stdout {
					fmt.Printf("Exported %d users and %d deliverables to %s\n", len(snap.Users), len(snap.Deliverables), out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (stdout when empty)")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Load a CBOR snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			snap, err := snapshot.Read(f)
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				res, err := e.Import(ctx, actorID, snap)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Imported %d users, %d deliverables, %d credentials, %d api keys (%d keys skipped)\n",
					res.Users, res.Deliverables, res.Credentials, res.APIKeys, res.SkippedKeys)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f store.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				evts, err := e.ListEvents(ctx, actorID, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, evt := range evts {
					ts := evt.TS
					if t, err := time.Parse(time.RFC3339Nano, evt.TS); err == nil {
						ts = t.Local().Format("2006-01-02 15:04:05")
					}
					tw.AppendRow(table.Row{evt.ID, ts, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind (deliverable, user, snapshot)")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func seedCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load demo users and deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := app.Seed(ctx, e, password)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Users == 0 {
					fmt.Println("Demo data already present")
					return nil
				}
				fmt.Printf("Seeded %d users and %d deliverables\n", res.Users, res.Deliverables)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Email", "Role", "Department"})
				for _, u := range app.DemoUsers {
					tw.AppendRow(table.Row{u.Email, u.Role, u.Department})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "demo-pass", "password shared by the demo accounts")
	return cmd
}

func bootstrapCmd() *cobra.Command {
	var opts app.BootstrapOptions
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the first direction account of an empty workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := app.Bootstrap(ctx, e, opts)
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	return cmd
}
