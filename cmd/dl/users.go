package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deliverline/internal/domain"
	"deliverline/internal/engine"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	cmd.AddCommand(userListCmd())
	cmd.AddCommand(userAddCmd())
	cmd.AddCommand(userRegisterCmd())
	cmd.AddCommand(userUpdateCmd())
	cmd.AddCommand(userPromoteCmd())
	cmd.AddCommand(userPasswdCmd())
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List visible users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				users, err := e.ListUsers(ctx, actorID)
				if err != nil {
					return err
				}
				return printUsers(users)
			})
		},
	}
}

func userAddCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	var dept string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a user (requires user management rights)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				opts.ActorID = actorID
				opts.Department = domain.Department(dept)
				u, err := e.SaveUser(ctx, opts)
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Password, "password", "", "initial password")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&dept, "department", "", "department")
	cmd.Flags().StringVar(&opts.Role, "role", "", "direction, technical_admin, department_head, regular_user or viewer")
	return cmd
}

func userRegisterCmd() *cobra.Command {
	var opts engine.RegisterOptions
	var dept string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Self-register a regular user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Department = domain.Department(dept)
				u, err := e.Register(ctx, opts)
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
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&dept, "department", "", "department")
	return cmd
}

func userUpdateCmd() *cobra.Command {
	var name, phone, dept, role string
	var active bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update profile, department, role or active flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				opts := engine.UserUpdateOptions{ID: args[0], ActorID: actorID}
				flags := cmd.Flags()
				if flags.Changed("name") {
					opts.Name = &name
				}
				if flags.Changed("phone") {
					opts.Phone = &phone
				}
				if flags.Changed("department") {
					d := domain.Department(dept)
					opts.Department = &d
				}
				if flags.Changed("role") {
					opts.Role = &role
				}
				if flags.Changed("active") {
					opts.Active = &active
				}
				u, err := e.UpdateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&dept, "department", "", "department")
	cmd.Flags().StringVar(&role, "role", "", "role")
	cmd.Flags().BoolVar(&active, "active", true, "active flag")
	return cmd
}

func userPromoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote <id> <department_head|technical_direction>",
		Short: "Promote a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				u, err := e.Promote(ctx, actorID, args[0], engine.Promotion(args[1]))
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
}

func userPasswdCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "passwd <id>",
		Short: "Set a user's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				if err := e.SetPassword(ctx, actorID, args[0], password); err != nil {
					return err
				}
				fmt.Println("Password updated")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "new password")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting user and its permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				id, err := e.WhoAmI(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(id)
				}
				p := id.Permissions
				fmt.Printf("%s <%s>\n", id.DisplayName, id.User.Email)
				fmt.Printf("  Role:       %s\n", p.Role)
				fmt.Printf("  Department: %s\n", p.Department)
				fmt.Printf("  Sees all:   %t\n", p.CanSeeAllDepartments)
				fmt.Printf("  Modify all: %t\n", p.CanModifyAllDeliverables)
				fmt.Printf("  Delete:     %t\n", p.CanDeleteDeliverables)
				fmt.Printf("  Users:      %t\n", p.CanManageUsers)
				fmt.Printf("  Access:     %s\n", joinDepartments(p.AccessibleDepartments))
				return nil
			})
		},
	}
}

func departmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "departments",
		Short: "List departments and which ones you can reach",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				deps, err := e.Departments(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(deps)
				}
				in := func(list []domain.Department, d domain.Department) string {
					for _, x := range list {
						if x == d {
							return "yes"
						}
					}
					return ""
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Department", "Technical", "Visible", "Create"})
				for _, d := range deps.All {
					tw.AppendRow(table.Row{d, in(deps.Technical, d), in(deps.Accessible, d), in(deps.Creatable, d)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				if userID == "" {
					userID = actorID
				}
				raw, key, err := e.CreateAPIKey(ctx, actorID, userID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": key.UserID, "name": key.Name, "key": raw})
				}
				fmt.Printf("Key %s for %s\n%s\n", key.ID, key.UserID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owner user id (defaults to the acting user)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				keys, err := e.ListAPIKeys(ctx, actorID, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt.Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owner user id (defaults to the acting user)")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string) error {
				if err := e.RevokeAPIKey(ctx, actorID, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func printUser(u domain.User) error {
	if viper.GetBool("json") {
		return printJSON(u)
	}
	return printUsers([]domain.User{u})
}

func printUsers(users []domain.User) error {
	if viper.GetBool("json") {
		return printJSON(users)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Email", "Name", "Department", "Role", "Active"})
	for _, u := range users {
		tw.AppendRow(table.Row{u.ID, u.Email, u.Name, u.Department, u.Role, u.Active})
	}
	tw.Render()
	return nil
}

func joinDepartments(ds []domain.Department) string {
	parts := make([]string, 0, len(ds))
	for _, d := range ds {
		parts = append(parts, string(d))
	}
	return strings.Join(parts, ", ")
}
