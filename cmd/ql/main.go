package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/migrate"
	"questline/internal/repo"
	"questline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ql",
	Short: "Questline CLI",
	Long: `Questline tracks tasks, quests and missions assigned to household members.
How it fits together:
- Workspace: your .questline box with the database; templates are authored in catalog.yml and imported explicitly.
- Catalog: task, quest and mission templates with point values; missions declare prerequisites between their members.
- Assignments: a template handed to a user; they accept or decline, then work through it.
- Tasks: submitted for approval by a guardian, who approves (points!) or rejects (try again).
- Quests: complete each task inside; the last one earns the quest bonus on top.
- Missions: members unlock as their prerequisites complete; finishing everything earns the mission reward.
- Points: an append-only running total per user, view with 'ql points'.
- Event log: diary of everything that happened, view with 'ql log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("QUESTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "local-user", "acting username")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
}

func registerCommands() {
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(unlockCmd())
	rootCmd.AddCommand(pointsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userListCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var username, displayName, role, timezone string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--username required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u := domain.User{
					Username:    username,
					DisplayName: displayName,
					Role:        role,
					Timezone:    timezone,
				}
				if err := r.InsertUser(ctx, u); err != nil {
					return err
				}
				created, err := r.GetUser(ctx, username)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&displayName, "display-name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "member", "role (guardian, member, admin)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Username", "Display name", "Role", "Created"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.Username, u.DisplayName, u.Role, u.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Manage the template catalog"}
	cat.AddCommand(catalogInitCmd())
	cat.AddCommand(catalogImportCmd())
	cat.AddCommand(catalogShowCmd())
	return cat
}

func catalogInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter catalog.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s; edit it and run 'ql catalog import'\n", path)
			return nil
		},
	}
	return cmd
}

func catalogImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Validate and import the catalog into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var cat *config.Catalog
				var err error
				if filePath != "" {
					cat, err = config.FromFile(filePath)
				} else {
					cat, err = config.Load(viper.GetString("workspace"))
				}
				if err != nil {
					return err
				}
				res, err := e.ImportCatalog(ctx, cat, viper.GetString("as"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to catalog YAML (default: workspace catalog.yml)")
	return cmd
}

func catalogShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show stored templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				out := map[string]map[string]json.RawMessage{}
				for _, kind := range []string{domain.KindTask, domain.KindQuest, domain.KindMission} {
					docs, err := r.ListTemplates(ctx, kind)
					if err != nil {
						return err
					}
					out[kind] = docs
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func assignCmd() *cobra.Command {
	var userID, kind, templateID string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a template to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || kind == "" || templateID == "" {
				return fmt.Errorf("--user, --kind and --template required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Assign(ctx, engine.AssignOptions{
					UserID:     userID,
					Kind:       kind,
					TemplateID: templateID,
					AssignedBy: viper.GetString("as"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "assignee username")
	cmd.Flags().StringVar(&kind, "kind", "", "template kind (task, quest, mission)")
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	return cmd
}

func assignmentCmd() *cobra.Command {
	asg := &cobra.Command{Use: "assignment", Short: "Inspect and progress assignments"}
	asg.AddCommand(assignmentListCmd())
	asg.AddCommand(assignmentShowCmd())
	asg.AddCommand(lifecycleCmd("accept", "Accept a pending assignment", func(ctx context.Context, e engine.Engine, user, id string) (domain.Assignment, error) {
		return e.Accept(ctx, user, id)
	}))
	asg.AddCommand(lifecycleCmd("decline", "Decline a pending assignment", func(ctx context.Context, e engine.Engine, user, id string) (domain.Assignment, error) {
		return e.Decline(ctx, user, id)
	}))
	asg.AddCommand(lifecycleCmd("submit", "Submit a task for approval", func(ctx context.Context, e engine.Engine, user, id string) (domain.Assignment, error) {
		return e.Submit(ctx, user, id)
	}))
	asg.AddCommand(lifecycleCmd("approve", "Approve a submitted task", func(ctx context.Context, e engine.Engine, user, id string) (domain.Assignment, error) {
		return e.Approve(ctx, user, id, viper.GetString("as"))
	}))
	asg.AddCommand(lifecycleCmd("reject", "Reject a submitted task", func(ctx context.Context, e engine.Engine, user, id string) (domain.Assignment, error) {
		return e.Reject(ctx, user, id, viper.GetString("as"))
	}))
	return asg
}

func assignmentListCmd() *cobra.Command {
	var user, status, kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAssignments(ctx, repo.AssignmentFilters{
					UserID: resolveUser(user),
					Status: status,
					Type:   kind,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Type", "Template", "Status", "Updated"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.UserID, a.Type, a.TemplateID, a.Status, a.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "username (default: --as)")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&kind, "type", "", "type filter (task, quest, mission)")
	return cmd
}

func assignmentShowCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one assignment with its nested instance state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAssignment(ctx, resolveUser(user), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "username (default: --as)")
	return cmd
}

func lifecycleCmd(verb, short string, run func(ctx context.Context, e engine.Engine, user, id string) (domain.Assignment, error)) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := run(ctx, e, resolveUser(user), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "username (default: --as)")
	return cmd
}

func completeCmd() *cobra.Command {
	var user, questID, taskID string
	cmd := &cobra.Command{
		Use:   "complete <assignment-id>",
		Short: "Complete a leaf task and cascade upward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--task required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteLeaf(ctx, resolveUser(user), args[0], engine.LeafPath{
					QuestID: questID,
					TaskID:  taskID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "username (default: --as)")
	cmd.Flags().StringVar(&questID, "quest", "", "owning quest member for tasks inside a mission quest")
	cmd.Flags().StringVar(&taskID, "task", "", "task id to complete")
	return cmd
}

func unlockCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "unlock <assignment-id>",
		Short: "Re-run unlock propagation over a mission's locked members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				unlocked, err := e.RefreshLocks(ctx, resolveUser(user), args[0])
				if err != nil {
					return err
				}
				if unlocked == nil {
					unlocked = []string{}
				}
				return printJSONOrTable(map[string]any{"unlocked": unlocked})
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "username (default: --as)")
	return cmd
}

func pointsCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "points",
		Short: "Show a user's point total",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				username := resolveUser(user)
				if _, err := r.GetUser(ctx, username); err != nil {
					return err
				}
				total, err := r.GetPoints(ctx, username)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"user_id": username, "total": total})
				}
				fmt.Printf("%s: %d points\n", username, total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "username (default: --as)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var user, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a user (secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, user); err != nil {
					return err
				}
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:       uuid.NewString(),
					Username: user,
					Name:     name,
					KeyHash:  repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "username": user, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "username the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, user)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Username, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "filter by username")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event history"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, user string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, user, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "User", "Item", "Message"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.TS, e.Type, e.UserID, e.AffectedItem, e.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&user, "user", "", "user filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("QUESTLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("QUESTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Questline API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func resolveUser(flag string) string {
	if flag != "" {
		return flag
	}
	return viper.GetString("as")
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
