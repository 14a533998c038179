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

	"github.com/modelodev/scrumbringer/internal/app"
	"github.com/modelodev/scrumbringer/internal/config"
	"github.com/modelodev/scrumbringer/internal/db"
	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/engine"
	"github.com/modelodev/scrumbringer/internal/executions"
	"github.com/modelodev/scrumbringer/internal/migrate"
	"github.com/modelodev/scrumbringer/internal/repo"
	"github.com/modelodev/scrumbringer/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sb",
	Short: "Scrumbringer CLI",
	Long: `Scrumbringer coordinates a shared pool of work under optimistic concurrency.
Core concepts:
- Workspace: your .scrumbringer directory holding the database.
- Tasks: claimable work items; they flow available -> claimed -> completed,
  every mutation carries the version you read so conflicts are detected, not overwritten.
- Cards: groups of tasks; their state (pool/open/active/done) is derived from their tasks.
- Milestones: at most one active per project; activating one releases the parked pool into it.
- Workflows and rules: when something reaches a state, matching rules stamp out
  new tasks from templates; every evaluation is recorded as applied or suppressed.`,
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
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().String("actor-email", "", "acting user email")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides single-project default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-email", rootCmd.PersistentFlags().Lookup("actor-email"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(executionsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func actor() domain.Actor {
	return domain.Actor{
		ID:    viper.GetString("actor-id"),
		Email: viper.GetString("actor-email"),
	}
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage orgs"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create org",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.InitOrg(ctx, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "org name")
	_ = create.MarkFlagRequired("name")
	org.AddCommand(create)
	return org
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(taskTypeCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var orgID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.InitProject(ctx, orgID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "org id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func taskTypeCmd() *cobra.Command {
	tt := &cobra.Command{Use: "task-type", Short: "Manage task types"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create task type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				created, err := e.CreateTaskType(ctx, projectID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "task type name")
	_ = create.MarkFlagRequired("name")
	list := &cobra.Command{
		Use:   "list",
		Short: "List task types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.Repo.ListTaskTypes(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	tt.AddCommand(create)
	tt.AddCommand(list)
	return tt
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":  p.ID,
					"status":      p.Status,
					"task_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow available -> claimed -> completed. Claim, release, and complete all take --version: the version you last read. If someone got there first you get a conflict diagnosis instead of a silent overwrite.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskCompleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title, description, cardID, typeID string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts := engine.TaskCreateOptions{
					ProjectID:   projectID,
					CardID:      cardID,
					TypeID:      typeID,
					Title:       title,
					Description: description,
					CreatedBy:   viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("priority") {
					opts.Priority = priority
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&cardID, "card", "", "card id")
	cmd.Flags().StringVar(&typeID, "type", "", "task type id")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1-5")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, cardID, claimedBy string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
					ProjectID: projectID,
					Status:    status,
					CardID:    cardID,
					ClaimedBy: claimedBy,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Claimed By", "Version"})
				for _, t := range tasks {
					claimed := ""
					if t.ClaimedBy != nil {
						claimed = *t.ClaimedBy
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, claimed, t.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (available, claimed, completed)")
	cmd.Flags().StringVar(&cardID, "card", "", "card filter")
	cmd.Flags().StringVar(&claimedBy, "claimed-by", "", "claimant filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskClaimCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim an available task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ClaimTask(ctx, args[0], actor(), version)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "version you last read")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func taskReleaseCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release a task you claimed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ReleaseTask(ctx, args[0], actor(), version)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "version you last read")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a task you claimed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0], actor(), version)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "version you last read")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func cardCmd() *cobra.Command {
	card := &cobra.Command{Use: "card", Short: "Manage cards"}
	card.AddCommand(cardCreateCmd())
	card.AddCommand(cardListCmd())
	card.AddCommand(cardMoveCmd())
	return card
}

func cardCreateCmd() *cobra.Command {
	var title, milestoneID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a card (parked in the pool unless --milestone is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				c, err := e.CreateCard(ctx, projectID, milestoneID, title)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "card title")
	cmd.Flags().StringVar(&milestoneID, "milestone", "", "milestone id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func cardListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				cards, err := e.Repo.ListCards(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Milestone", "Tasks", "Done"})
				for _, c := range cards {
					milestone := ""
					if c.MilestoneID != nil {
						milestone = *c.MilestoneID
					}
					tw.AppendRow(table.Row{c.ID, c.Title, c.State(), milestone, c.TaskCount, c.CompletedCount})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func cardMoveCmd() *cobra.Command {
	var milestoneID string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a scheduled card to another milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.MoveCard(ctx, args[0], milestoneID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&milestoneID, "milestone", "", "target milestone id")
	_ = cmd.MarkFlagRequired("milestone")
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{Use: "milestone", Short: "Manage milestones"}
	ms.AddCommand(milestoneCreateCmd())
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneActivateCmd())
	ms.AddCommand(milestoneCompleteCmd())
	return ms
}

func milestoneCreateCmd() *cobra.Command {
	var name string
	var position int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create milestone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				m, err := e.CreateMilestone(ctx, projectID, name, viper.GetString("actor-id"), position)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "milestone name")
	cmd.Flags().IntVar(&position, "position", 0, "ordering position")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func milestoneListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List milestones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.Repo.ListMilestones(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "State", "Position"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Name, m.State, m.Position})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func milestoneActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Activate a milestone and release the pool into it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				snap, err := e.ActivateMilestone(ctx, args[0], projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("Activated %s: released %d cards, %d tasks\n",
					snap.Milestone.Name, snap.CardsReleased, snap.TasksReleased)
				return nil
			})
		},
	}
}

func milestoneCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete an active milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				m, err := e.CompleteMilestone(ctx, args[0], projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage workflows"}
	var orgID, projectID, name string
	var active bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Create workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkflow(ctx, orgID, projectID, name, active)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	create.Flags().StringVar(&orgID, "org", "", "org id")
	create.Flags().StringVar(&projectID, "project-scope", "", "restrict to a project")
	create.Flags().StringVar(&name, "name", "", "workflow name")
	create.Flags().BoolVar(&active, "active", true, "active on creation")
	_ = create.MarkFlagRequired("org")
	_ = create.MarkFlagRequired("name")
	wf.AddCommand(create)
	wf.AddCommand(setActiveCmd("enable", "Enable a workflow", true, func(ctx context.Context, e engine.Engine, id string, active bool) error {
		return e.SetWorkflowActive(ctx, id, active)
	}))
	wf.AddCommand(setActiveCmd("disable", "Disable a workflow", false, func(ctx context.Context, e engine.Engine, id string, active bool) error {
		return e.SetWorkflowActive(ctx, id, active)
	}))
	return wf
}

func setActiveCmd(use, short string, active bool, fn func(context.Context, engine.Engine, string, bool) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return fn(ctx, e, args[0], active)
			})
		},
	}
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{Use: "rule", Short: "Manage workflow rules"}
	var opts engine.RuleCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Create rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rl, err := e.CreateRule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rl)
			})
		},
	}
	create.Flags().StringVar(&opts.WorkflowID, "workflow", "", "workflow id")
	create.Flags().StringVar(&opts.Name, "name", "", "rule name")
	create.Flags().StringVar(&opts.Goal, "goal", "", "rule goal")
	create.Flags().StringVar(&opts.ResourceType, "resource", "task", "resource type (task or card)")
	create.Flags().StringVar(&opts.TaskTypeID, "task-type", "", "match only this task type")
	create.Flags().StringVar(&opts.ToState, "to-state", "", "target state that fires the rule")
	create.Flags().BoolVar(&opts.RequiresUser, "requires-user", false, "only fire for user-triggered transitions")
	create.Flags().BoolVar(&opts.Active, "active", true, "active on creation")
	_ = create.MarkFlagRequired("workflow")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("to-state")
	rule.AddCommand(create)

	var workflowID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRules(ctx, workflowID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	_ = list.MarkFlagRequired("workflow")
	rule.AddCommand(list)

	rule.AddCommand(setActiveCmd("enable", "Enable a rule", true, func(ctx context.Context, e engine.Engine, id string, active bool) error {
		return e.SetRuleActive(ctx, id, active)
	}))
	rule.AddCommand(setActiveCmd("disable", "Disable a rule", false, func(ctx context.Context, e engine.Engine, id string, active bool) error {
		return e.SetRuleActive(ctx, id, active)
	}))
	return rule
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage task templates"}
	var name, typeID, description string
	var priority int
	create := &cobra.Command{
		Use:   "create",
		Short: "Create task template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				t, err := e.CreateTaskTemplate(ctx, projectID, name, typeID, description, priority)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "template name")
	create.Flags().StringVar(&typeID, "type", "", "task type id")
	create.Flags().StringVar(&description, "description", "", "description")
	create.Flags().IntVar(&priority, "priority", 0, "priority 1-5")
	_ = create.MarkFlagRequired("name")
	tpl.AddCommand(create)

	var ruleID, templateID string
	var order int
	attach := &cobra.Command{
		Use:   "attach",
		Short: "Attach template to a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AttachTemplate(ctx, ruleID, templateID, order)
			})
		},
	}
	attach.Flags().StringVar(&ruleID, "rule", "", "rule id")
	attach.Flags().StringVar(&templateID, "template", "", "template id")
	attach.Flags().IntVar(&order, "order", 0, "execution order")
	_ = attach.MarkFlagRequired("rule")
	_ = attach.MarkFlagRequired("template")
	tpl.AddCommand(attach)
	return tpl
}

func executionsCmd() *cobra.Command {
	exec := &cobra.Command{Use: "executions", Short: "Inspect rule executions"}

	var since, until string
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Execution stats over a time window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var sinceT, untilT time.Time
				var err error
				if since != "" {
					if sinceT, err = time.Parse(time.RFC3339, since); err != nil {
						return fmt.Errorf("--since must be RFC3339: %w", err)
					}
				}
				if until != "" {
					if untilT, err = time.Parse(time.RFC3339, until); err != nil {
						return fmt.Errorf("--until must be RFC3339: %w", err)
					}
				}
				w := executions.Writer{DB: e.DB}
				s, err := w.Stats(ctx, sinceT, untilT)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	stats.Flags().StringVar(&since, "since", "", "window start (RFC3339)")
	stats.Flags().StringVar(&until, "until", "", "window end (RFC3339)")
	exec.AddCommand(stats)

	var ruleID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w := executions.Writer{DB: e.DB}
				items, err := w.List(ctx, ruleID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rule", "Origin", "Outcome", "Reason", "At"})
				for _, x := range items {
					reason := ""
					if x.SuppressionReason != nil {
						reason = *x.SuppressionReason
					}
					tw.AppendRow(table.Row{x.RuleID, x.OriginType + ":" + x.OriginID, x.Outcome, reason, x.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&ruleID, "rule", "", "rule id filter")
	list.Flags().IntVar(&limit, "n", 50, "max rows")
	exec.AddCommand(list)
	return exec
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write default scrumbringer.yml",
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
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if c == nil {
				c = config.Default()
			}
			return printJSONOrTable(c)
		},
	})
	return cfg
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					UserID:  userID,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("API key (save it now, it is not stored): %s\n", raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "user id (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key label")
	ak.AddCommand(create)

	var listUser string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, listUser)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	list.Flags().StringVar(&listUser, "user", "", "filter by user id")
	ak.AddCommand(list)

	ak.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return ak
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("SCRUMBRINGER_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SCRUMBRINGER_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Scrumbringer API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		projectID, err := app.ResolveProject(ctx, viper.GetString("project"), e.Repo)
		if err != nil {
			return err
		}
		return fn(ctx, e, projectID)
	})
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
