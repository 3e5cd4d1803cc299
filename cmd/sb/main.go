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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"scrumbringer/internal/app"
	"scrumbringer/internal/config"
	"scrumbringer/internal/db"
	"scrumbringer/internal/domain"
	"scrumbringer/internal/engine"
	"scrumbringer/internal/mcp"
	"scrumbringer/internal/migrate"
	"scrumbringer/internal/repo"
	"scrumbringer/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sb",
	Short: "Scrumbringer CLI",
	Long: `Scrumbringer is a collaborative task tracker with optimistic concurrency.
- Workspace: the .scrumbringer directory holding the database; config lives in the DB and can be imported from scrumbringer.yml.
- Tasks: work items that flow available -> claimed -> (ongoing) -> completed; every transition carries the version you last saw and loses politely when someone got there first.
- Work sessions: start a claimed task to open a timed session; release or complete closes it.
- Workflows and rules: completing a task can spawn follow-up tasks from templates, exactly once per (rule, task) pair.
- Event log: the append-only diary of every lifecycle change, view with 'sb log tail'.`,
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
	viper.SetEnvPrefix("SCRUMBRINGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "acting username")
	rootCmd.PersistentFlags().Int64("project", 0, "project id (overrides single-project default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(typeCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
}

func initCmd() *cobra.Command {
	var orgName, projectName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with an org and a first project",
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
			e := engine.New(conn, config.Default())
			org, p, err := e.InitOrg(cmd.Context(), orgName, projectName)
			if err != nil {
				return err
			}
			if err := e.Repo.UpsertProjectConfig(cmd.Context(), p.ID, config.Default()); err != nil {
				return err
			}
			if _, err := app.ResolveUser(cmd.Context(), e.Repo, org.ID, viper.GetString("user")); err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"org": org, "project": p})
		},
	}
	cmd.Flags().StringVar(&orgName, "org", "Default Org", "organization name")
	cmd.Flags().StringVar(&projectName, "name", "default", "project name")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectCreateCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var orgID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx, orgID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().Int64Var(&orgID, "org", 0, "organization id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var orgID int64
	var name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				p := domain.Project{OrgID: orgID, Name: name, Description: desc, CreatedAt: now}
				id, err := r.InsertProject(ctx, p)
				if err != nil {
					return err
				}
				p.ID = id
				if err := r.UpsertProjectConfig(ctx, id, config.Default()); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&orgID, "org", 0, "organization id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage project config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active project's config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default scrumbringer.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config YAML into the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				return e.Repo.UpsertProjectConfig(ctx, p.ID, cfg)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file path")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow available -> claimed -> (ongoing) -> completed. Claim, start, release, and complete all take --version: the version you last saw. A stale version means somebody else moved the task first.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskEventsCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var typeID, cardID int64
	var title, desc string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				opts := engine.TaskCreateOptions{
					ProjectID:   p.ID,
					TypeID:      typeID,
					Title:       title,
					Description: desc,
					Priority:    priority,
					CreatedBy:   userID,
				}
				if cmd.Flags().Changed("card") {
					opts.CardID = &cardID
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&typeID, "type", 0, "task type id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (1-5, default 3)")
	cmd.Flags().Int64Var(&cardID, "card", 0, "card id")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f engine.ListFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				f.Status = domain.Status(status)
				tasks, err := e.ListTasks(ctx, p.ID, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Prio", "Status", "Ver", "Assignee"})
				for _, t := range tasks {
					assignee := ""
					if t.AssignedTo != nil {
						assignee = fmt.Sprintf("%d", *t.AssignedTo)
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.TypeID, t.Priority, t.Status, t.Version, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (available|claimed|ongoing|completed)")
	cmd.Flags().Int64Var(&f.TypeID, "type", 0, "task type filter")
	cmd.Flags().Int64Var(&f.CapabilityID, "capability", 0, "capability filter")
	cmd.Flags().Int64Var(&f.AssignedTo, "assignee", 0, "assignee filter")
	cmd.Flags().StringVar(&f.TextQuery, "query", "", "text search")
	cmd.Flags().BoolVar(&f.Blocked, "blocked", false, "claimed but not actively worked")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskClaimCmd() *cobra.Command {
	return taskTransitionCmd("claim", "Claim an available task", func(e engine.Engine) transitionFunc {
		return e.ClaimTask
	})
}

func taskStartCmd() *cobra.Command {
	return taskTransitionCmd("start", "Start working a claimed task", func(e engine.Engine) transitionFunc {
		return e.StartWork
	})
}

func taskReleaseCmd() *cobra.Command {
	return taskTransitionCmd("release", "Release a claimed task back to the pool", func(e engine.Engine) transitionFunc {
		return e.ReleaseTask
	})
}

func taskCompleteCmd() *cobra.Command {
	return taskTransitionCmd("complete", "Complete a claimed task", func(e engine.Engine) transitionFunc {
		return e.CompleteTask
	})
}

type transitionFunc func(ctx context.Context, taskID, userID int64, version int) (domain.Task, error)

func taskTransitionCmd(use, short string, pick func(engine.Engine) transitionFunc) *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				t, err := pick(e)(ctx, id, userID, version)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version last observed")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func taskEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Task event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				events, err := e.Repo.ListTaskEvents(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage workflows"}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowListCmd())
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				w := domain.Workflow{ProjectID: p.ID, Name: name, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
				id, err := e.Repo.InsertWorkflow(ctx, w)
				if err != nil {
					return err
				}
				w.ID = id
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "workflow name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				items, err := e.Repo.ListWorkflows(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func ruleCmd() *cobra.Command {
	rl := &cobra.Command{
		Use:   "rule",
		Short: "Manage automation rules",
		Long:  "Rules bind a workflow to a trigger event. When a matching task completes, each attached template spawns one follow-up task; a rule fires at most once per source task.",
	}
	rl.AddCommand(ruleCreateCmd())
	rl.AddCommand(ruleListCmd())
	rl.AddCommand(ruleActivateCmd(true))
	rl.AddCommand(ruleActivateCmd(false))
	return rl
}

func ruleCreateCmd() *cobra.Command {
	var workflowID, sourceType int64
	var trigger string
	var inactive bool
	var templateIDs []int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				if !e.Config.AllowsTrigger(trigger) {
					return fmt.Errorf("trigger_event %q is not listed in automation.trigger_events", trigger)
				}
				rl := domain.Rule{
					WorkflowID:   workflowID,
					TriggerEvent: trigger,
					Active:       !inactive,
					CreatedAt:    time.Now().UTC().Format(time.RFC3339),
				}
				if cmd.Flags().Changed("source-type") {
					rl.SourceTypeID = &sourceType
				}
				id, err := e.Repo.InsertRule(ctx, rl)
				if err != nil {
					return err
				}
				rl.ID = id
				for _, tid := range templateIDs {
					if err := e.Repo.AttachTemplate(ctx, rl.ID, tid); err != nil {
						return err
					}
				}
				return printJSONOrTable(rl)
			})
		},
	}
	cmd.Flags().Int64Var(&workflowID, "workflow", 0, "workflow id")
	cmd.Flags().Int64Var(&sourceType, "source-type", 0, "source task type filter (omit to match any)")
	cmd.Flags().StringVar(&trigger, "trigger", "completed", "trigger event")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create deactivated")
	cmd.Flags().Int64SliceVar(&templateIDs, "template", []int64{}, "template id to attach (repeatable)")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var workflowID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				items, err := e.Repo.ListRules(ctx, workflowID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().Int64Var(&workflowID, "workflow", 0, "workflow id")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func ruleActivateCmd(active bool) *cobra.Command {
	use, short := "activate <id>", "Activate a rule"
	if !active {
		use, short = "deactivate <id>", "Deactivate a rule"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				if err := e.Repo.SetRuleActive(ctx, id, active); err != nil {
					return err
				}
				rl, err := e.Repo.GetRule(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rl)
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage rule templates"}
	tpl.AddCommand(templateCreateCmd())
	return tpl
}

func templateCreateCmd() *cobra.Command {
	var title string
	var typeID int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create rule template",
		Long:  "Templates title follow-up tasks. The {{father}} placeholder expands to a back-reference to the completed task.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				tpl := domain.RuleTemplate{
					TitleTemplate: title,
					TypeID:        typeID,
					CreatedAt:     time.Now().UTC().Format(time.RFC3339),
				}
				id, err := e.Repo.InsertTemplate(ctx, tpl)
				if err != nil {
					return err
				}
				tpl.ID = id
				return printJSONOrTable(tpl)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title template")
	cmd.Flags().Int64Var(&typeID, "type", 0, "task type for spawned tasks")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func typeCmd() *cobra.Command {
	tt := &cobra.Command{Use: "type", Short: "Manage task types"}
	tt.AddCommand(typeCreateCmd())
	tt.AddCommand(typeListCmd())
	return tt
}

func typeCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				t := domain.TaskType{OrgID: p.OrgID, Name: name, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
				id, err := e.Repo.InsertTaskType(ctx, t)
				if err != nil {
					return err
				}
				t.ID = id
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "type name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func typeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				items, err := e.Repo.ListTaskTypes(ctx, p.OrgID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func cardCmd() *cobra.Command {
	card := &cobra.Command{Use: "card", Short: "Manage cards"}
	card.AddCommand(cardCreateCmd())
	card.AddCommand(cardListCmd())
	return card
}

func cardCreateCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create card",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				c := domain.Card{ProjectID: p.ID, Title: title, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
				id, err := e.Repo.InsertCard(ctx, c)
				if err != nil {
					return err
				}
				c.ID = id
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "card title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func cardListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				items, err := e.Repo.ListCards(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of every lifecycle change: created, claimed, started, released, completed.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var cursor int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Project, userID int64) error {
				events, err := e.Repo.EventsAfter(ctx, n, cursor, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&cursor, "after", 0, "only events after this id")
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProject(cmd.Context(), viper.GetInt64("project"), viper.GetString("user"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("SCRUMBRINGER_JWT_SECRET"),
				AllowLegacyUserHeader: cfg.Auth.AllowLegacyUserHeader,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SCRUMBRINGER_JWT_SECRET is required for bearer auth")
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			if addr == "" {
				addr = cfg.Server.Addr
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
			fmt.Printf("Serving Scrumbringer API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the task lifecycle over MCP on stdio",
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
			r := repo.Repo{DB: conn}
			p, cfg, err := app.ResolveProject(cmd.Context(), viper.GetInt64("project"), viper.GetString("user"), r)
			if err != nil {
				return err
			}
			userID, err := app.ResolveUser(cmd.Context(), r, p.OrgID, viper.GetString("user"))
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			return mcp.Serve(mcp.NewServer(e, p.ID, userID))
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, domain.Project, int64) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	p, cfg, err := app.ResolveProject(ctx, viper.GetInt64("project"), viper.GetString("user"), r)
	if err != nil {
		return err
	}
	userID, err := app.ResolveUser(ctx, r, p.OrgID, viper.GetString("user"))
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e, p, userID)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
