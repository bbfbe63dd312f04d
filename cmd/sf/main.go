package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"statusflow/internal/app"
	"statusflow/internal/config"
	"statusflow/internal/db"
	"statusflow/internal/domain"
	"statusflow/internal/engine"
	"statusflow/internal/events"
	"statusflow/internal/lock"
	"statusflow/internal/registry"
	"statusflow/internal/repo"
	"statusflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "Statusflow CLI",
	Long: `Statusflow moves business records through configured status workflows.
- Workspace: a directory holding statusflow.yml (the registry) and .statusflow/ (the database).
- Registry: per kind, the statuses, the allowed transitions with their capability and dwell rules,
  the time-based auto-transitions and the escalation rules.
- Kinds: work_item, time_entry, expense, iteration, initiative, deliverable.
- Scan: one scheduled pass that applies due auto-transitions and fires escalations (sf scan).
- Event log: every applied change, view with 'sf log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STATUSFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-user", "actor identifier")
	pf.String("config", "", "registry file (defaults to <workspace>/statusflow.yml)")
	pf.String("db", "", "database file (defaults to <workspace>/.statusflow/statusflow.db)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "json", "log format (json or text)")
	for _, name := range []string{"workspace", "json", "actor-id", "config", "db", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(availableCmd())
	rootCmd.AddCommand(describeCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage the workflow registry file",
		Long:  "The registry file (statusflow.yml) declares, per kind, the statuses, transitions, auto-transitions and escalations. Without a file the built-in default is used.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default registry file into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"path": path})
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective registry file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the registry file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err == nil {
				_, _, err = app.BuildRegistry(cfg)
			}
			if viper.GetBool("json") {
				if perr := printJSON(map[string]any{"ok": err == nil, "error": errString(err)}); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if !viper.GetBool("json") {
				fmt.Println("config OK")
			}
			return nil
		},
	}
}

func registryCmd() *cobra.Command {
	reg := &cobra.Command{Use: "registry", Short: "Inspect the compiled registry"}
	reg.AddCommand(registryShowCmd())
	return reg
}

func registryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <kind>",
		Short: "Show statuses, transitions and timed rules for a kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, reg, err := app.BuildRegistry(cfg)
			if err != nil {
				return err
			}
			view, err := registryView(reg, kind)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(view)
			}
			renderRegistry(view)
			return nil
		},
	}
}

type ruleView struct {
	From      domain.Status `json:"from"`
	To        domain.Status `json:"to"`
	Allowed   bool          `json:"allowed"`
	Requires  []string      `json:"requires,omitempty"`
	DwellDays int           `json:"min_dwell_days,omitempty"`
	Reason    string        `json:"reason"`
}

type timedView struct {
	From      domain.Status `json:"from"`
	To        domain.Status `json:"to,omitempty"`
	Days      int           `json:"days"`
	Condition string        `json:"condition"`
	Action    string        `json:"action,omitempty"`
}

type kindView struct {
	Kind        domain.Kind          `json:"kind"`
	Initial     domain.Status        `json:"initial"`
	Statuses    []registry.StatusDef `json:"statuses"`
	Transitions []ruleView           `json:"transitions"`
	Auto        []timedView          `json:"auto"`
	Escalations []timedView          `json:"escalations"`
}

func registryView(reg *registry.Registry, kind domain.Kind) (kindView, error) {
	initial, err := reg.Initial(kind)
	if err != nil {
		return kindView{}, err
	}
	statuses, err := reg.Statuses(kind)
	if err != nil {
		return kindView{}, err
	}
	view := kindView{Kind: kind, Initial: initial, Statuses: statuses}
	for _, s := range statuses {
		rules, err := reg.TransitionsFrom(kind, s.ID)
		if err != nil {
			return kindView{}, err
		}
		for _, r := range rules {
			view.Transitions = append(view.Transitions, ruleView{
				From: r.From, To: r.To, Allowed: r.Allowed,
				Requires: r.Requires.Strings(), DwellDays: r.MinDwellDays, Reason: r.Reason,
			})
		}
		if auto, ok, err := reg.AutoTransitionFor(kind, s.ID); err != nil {
			return kindView{}, err
		} else if ok {
			view.Auto = append(view.Auto, timedView{From: auto.From, To: auto.To, Days: auto.BaseDays, Condition: auto.Condition})
		}
		if esc, ok, err := reg.EscalationFor(kind, s.ID); err != nil {
			return kindView{}, err
		} else if ok {
			view.Escalations = append(view.Escalations, timedView{
				From: esc.Status, To: esc.Target, Days: esc.TimeoutDays, Condition: esc.Condition, Action: string(esc.Action),
			})
		}
	}
	return view, nil
}

func renderRegistry(v kindView) {
	fmt.Printf("Kind: %s (initial %s)\n", v.Kind, v.Initial)
	tw := newTable()
	tw.AppendHeader(table.Row{"Status", "Label", "On enter"})
	for _, s := range v.Statuses {
		stamps := make([]string, 0, len(s.OnEnter))
		for _, st := range s.OnEnter {
			stamps = append(stamps, string(st))
		}
		tw.AppendRow(table.Row{s.ID, s.Label, strings.Join(stamps, ",")})
	}
	tw.Render()

	tw = newTable()
	tw.AppendHeader(table.Row{"From", "To", "Allowed", "Requires", "Dwell", "Reason"})
	for _, r := range v.Transitions {
		dwell := ""
		if r.DwellDays > 0 {
			dwell = fmt.Sprintf("%dd", r.DwellDays)
		}
		tw.AppendRow(table.Row{r.From, r.To, r.Allowed, strings.Join(r.Requires, " | "), dwell, r.Reason})
	}
	tw.Render()

	if len(v.Auto)+len(v.Escalations) == 0 {
		return
	}
	tw = newTable()
	tw.AppendHeader(table.Row{"Rule", "From", "To", "Days", "Condition", "Action"})
	for _, a := range v.Auto {
		tw.AppendRow(table.Row{"auto", a.From, a.To, a.Days, a.Condition, ""})
	}
	for _, e := range v.Escalations {
		tw.AppendRow(table.Row{"escalation", e.From, e.To, e.Days, e.Condition, e.Action})
	}
	tw.Render()
}

func entityCmd() *cobra.Command {
	ent := &cobra.Command{
		Use:   "entity",
		Short: "Seed and inspect entities",
		Long:  "Entities belong to the surrounding application; these commands seed and inspect the engine's copy for local use.",
	}
	ent.AddCommand(entityCreateCmd())
	ent.AddCommand(entityShowCmd())
	ent.AddCommand(entityListCmd())
	return ent
}

func entityCreateCmd() *cobra.Command {
	var (
		status, priority, due, assignee, manager string
		periodStart, periodEnd, validatedAt      string
		checklist, amount                        float64
	)
	cmd := &cobra.Command{
		Use:   "create <kind> <id>",
		Short: "Create an entity or refresh its attributes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			e := domain.Entity{
				Kind: kind, ID: args[1], Status: domain.Status(status),
				ChecklistRatio: checklist, Amount: amount,
				AssigneeID: assignee, ManagerID: manager,
			}
			if priority != "" {
				if e.Priority, err = domain.ParsePriority(priority); err != nil {
					return err
				}
			}
			for _, f := range []struct {
				raw string
				dst **time.Time
			}{{due, &e.DueDate}, {periodStart, &e.PeriodStart}, {periodEnd, &e.PeriodEnd}, {validatedAt, &e.ValidatedAt}} {
				if f.raw == "" {
					continue
				}
				t, err := parseDate(f.raw)
				if err != nil {
					return err
				}
				*f.dst = &t
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				saved, created, err := a.SaveEntity(ctx, e, cliActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"created": created, "entity": saved})
				}
				verb := "updated"
				if created {
					verb = "created"
				}
				fmt.Printf("%s %s/%s [%s]\n", verb, saved.Kind, saved.ID, saved.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status on create (defaults to the kind's initial status)")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or urgent")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&periodStart, "period-start", "", "period start (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&periodEnd, "period-end", "", "period end (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&validatedAt, "validated-at", "", "validation time (YYYY-MM-DD or RFC3339)")
	cmd.Flags().Float64Var(&checklist, "checklist", 0, "checklist completion ratio in [0,1]")
	cmd.Flags().Float64Var(&amount, "amount", 0, "monetary amount")
	cmd.Flags().StringVar(&assignee, "assignee-id", "", "assignee actor")
	cmd.Flags().StringVar(&manager, "manager-id", "", "manager actor")
	return cmd
}

func entityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <kind> <id>",
		Short: "Show an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Repo.GetEntity(ctx, kind, args[1])
				if err != nil {
					return err
				}
				return printJSON(e)
			})
		},
	}
}

func entityListCmd() *cobra.Command {
	var statuses []string
	var limit int
	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List entities of a kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			f := repo.EntityFilters{Kind: &kind, Limit: limit}
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, domain.Status(s))
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListEntities(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Since", "Priority", "Assignee"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Status, e.StatusChangedAt.Format(time.RFC3339), e.Priority, e.AssigneeID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func transitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transition <kind> <id> <to>",
		Short: "Request a status change on behalf of --actor-id",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Transition(ctx, kind, args[1], domain.Status(args[2]), cliActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(transitionOutput(res)); err != nil {
						return err
					}
				}
				switch {
				case res.Denial != nil:
					return res.Denial
				case res.Conflict:
					return fmt.Errorf("%s/%s: %w", kind, args[1], domain.ErrConflict)
				}
				if !viper.GetBool("json") {
					fmt.Printf("%s/%s: %s -> %s (%s)\n", kind, args[1], res.From, res.To, res.Reason)
				}
				return nil
			})
		},
	}
}

func transitionOutput(res engine.Result) map[string]any {
	out := map[string]any{
		"from":     res.From,
		"to":       res.To,
		"applied":  res.Applied,
		"conflict": res.Conflict,
		"reason":   res.Reason,
	}
	if res.Denial != nil {
		out["denial"] = map[string]any{
			"code":       res.Denial.Code,
			"reason":     res.Denial.Reason,
			"detail":     res.Denial.Detail,
			"sufficient": res.Denial.Sufficient.Strings(),
		}
	}
	if res.Applied {
		out["entity"] = res.Entity
	}
	return out
}

func availableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "available <kind> <id>",
		Short: "List the statuses --actor-id may move an entity to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				targets, err := a.Available(ctx, kind, args[1], cliActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if targets == nil {
						targets = []domain.Status{}
					}
					return printJSON(targets)
				}
				if len(targets) == 0 {
					fmt.Println("no transitions available")
					return nil
				}
				for _, s := range targets {
					fmt.Println(s)
				}
				return nil
			})
		},
	}
}

func describeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <kind> <id>",
		Short: "Describe an entity's status, next steps and pending timed rules",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				info, err := a.Describe(ctx, kind, args[1], cliActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(info)
				}
				renderStatusInfo(info)
				return nil
			})
		},
	}
}

func renderStatusInfo(info engine.StatusInfo) {
	tw := newTable()
	tw.AppendRow(table.Row{"Entity", fmt.Sprintf("%s/%s", info.Kind, info.EntityID)})
	tw.AppendRow(table.Row{"Status", fmt.Sprintf("%s (%s)", info.Current.Label, info.Current.ID)})
	if info.Current.Description != "" {
		tw.AppendRow(table.Row{"Description", info.Current.Description})
	}
	tw.AppendRow(table.Row{"Terminal", info.Current.Terminal})
	avail := make([]string, 0, len(info.Available))
	for _, s := range info.Available {
		avail = append(avail, string(s))
	}
	tw.AppendRow(table.Row{"Available", strings.Join(avail, ", ")})
	if at := info.AutoTransition; at != nil {
		tw.AppendRow(table.Row{"Auto transition", fmt.Sprintf("-> %s when %s (met: %t)", at.Target, at.Condition, at.ConditionMet)})
		tw.AppendRow(table.Row{"Days", fmt.Sprintf("%d of %d, %d remaining", at.ElapsedDays, at.ThresholdDays, at.RemainingDays)})
	}
	if esc := info.Escalation; esc != nil {
		tw.AppendRow(table.Row{"Escalation", fmt.Sprintf("%s after %d days: %s", esc.Action, esc.DaysSince, esc.Reason)})
	}
	tw.Render()
}

func scanCmd() *cobra.Command {
	var (
		kinds       []string
		redisAddr   string
		lockTTL     time.Duration
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scheduled pass (auto-transitions, then escalations)",
		Long:  "Run from cron or a scheduler. Exits 1 only when the registry is misconfigured; per-entity failures are logged and reported in the summary.",
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := domain.ParseKinds(kinds)
			if err != nil {
				return err
			}
			logger := cliLogger()
			var locker lock.Locker
			if addr := viper.GetString("redis-addr"); addr != "" {
				rl, err := lock.NewRedis(cmd.Context(), lock.RedisOptions{
					Addr:     addr,
					Password: os.Getenv("STATUSFLOW_REDIS_PASSWORD"),
				})
				if err != nil {
					return err
				}
				defer rl.Close()
				locker = rl
			}
			opts, err := appOptions(logger)
			if err != nil {
				return err
			}
			opts.Concurrency = viper.GetInt("concurrency")
			a, err := app.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()
			summary, skipped, err := a.RunPass(cmd.Context(), selected, locker, viper.GetDuration("lock-ttl"))
			if skipped {
				if viper.GetBool("json") {
					return printJSON(map[string]any{"skipped": true})
				}
				fmt.Println("pass skipped: another scheduler holds the lock")
				return nil
			}
			if perr := printPassSummary(summary); perr != nil {
				return perr
			}
			logger.Info("scheduled pass finished",
				"pass_id", summary.ID,
				"transitioned", summary.TotalTransitioned,
				"errors", summary.ErrorCount())
			return err
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "kinds to scan (repeatable, default all)")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "redis address for the pass lock (no lock when empty)")
	cmd.Flags().DurationVar(&lockTTL, "lock-ttl", 10*time.Minute, "pass lock expiry")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "kinds scanned in parallel (0 = all)")
	_ = viper.BindPFlag("redis-addr", cmd.Flags().Lookup("redis-addr"))
	_ = viper.BindPFlag("lock-ttl", cmd.Flags().Lookup("lock-ttl"))
	_ = viper.BindPFlag("concurrency", cmd.Flags().Lookup("concurrency"))
	return cmd
}

func printPassSummary(s engine.PassSummary) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	fmt.Printf("Pass %s at %s\n", s.ID, s.Timestamp.Format(time.RFC3339))
	tw := newTable()
	tw.AppendHeader(table.Row{"Kind", "Processed", "Transitioned", "Escalations", "Conflicts", "Errors"})
	for _, k := range s.PerKind {
		errs := fmt.Sprint(len(k.Errors))
		switch {
		case k.Skipped:
			errs = "skipped"
		case k.Err != "":
			errs = k.Err
		}
		tw.AppendRow(table.Row{k.Kind, k.Processed, len(k.Transitioned), len(k.Escalations), k.Conflicts, errs})
	}
	tw.AppendFooter(table.Row{"total", "", s.TotalTransitioned, "", "", s.ErrorCount()})
	tw.Render()
	return nil
}

func serveCmd() *cobra.Command {
	var addr, basePath, redisAddr string
	var lockTTL time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cliLogger()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("STATUSFLOW_JWT_SECRET"),
				AllowLegacyActorHeader: os.Getenv("STATUSFLOW_ALLOW_ACTOR_HEADER") == "1",
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("STATUSFLOW_JWT_SECRET is required for bearer auth")
			}
			var locker lock.Locker = &lock.Local{}
			if redisAddr != "" {
				rl, err := lock.NewRedis(cmd.Context(), lock.RedisOptions{
					Addr:     redisAddr,
					Password: os.Getenv("STATUSFLOW_REDIS_PASSWORD"),
				})
				if err != nil {
					return err
				}
				defer rl.Close()
				locker = rl
			}
			opts, err := appOptions(logger)
			if err != nil {
				return err
			}
			a, err := app.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := server.New(server.Config{
				App:      a,
				BasePath: basePath,
				Auth:     authCfg,
				Locker:   locker,
				LockTTL:  lockTTL,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			server.StartWebhooks(cmd.Context(), a, logger)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					logger.Warn("shutdown", "err", err)
				}
			}()
			logger.Info("serving statusflow API",
				"addr", addr, "base_path", basePath,
				"openapi", basePath+"/openapi.json", "docs", basePath+"/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "redis address for the pass lock (in-process lock when empty)")
	cmd.Flags().DurationVar(&lockTTL, "lock-ttl", 10*time.Minute, "pass lock expiry")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every applied status change, escalation and entity write, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func notificationsCmd() *cobra.Command {
	n := &cobra.Command{Use: "notifications", Short: "Inspect the notification outbox"}
	n.AddCommand(notificationsListCmd())
	n.AddCommand(notificationsDeliveredCmd())
	return n
}

func notificationsListCmd() *cobra.Command {
	var f repo.NotificationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListNotifications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Created", "Entity", "Priority", "Recipient", "Message"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.CreatedAt, n.Kind + "/" + n.EntityID, n.Priority, n.RecipientID, n.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RecipientID, "recipient", "", "recipient filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "entity kind filter")
	cmd.Flags().BoolVar(&f.Pending, "pending", false, "only undelivered")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func notificationsDeliveredCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delivered <id>",
		Short: "Mark a notification delivered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.MarkDelivered(ctx, args[0])
			})
		},
	}
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
		Long:  "Roles bundle capabilities. An actor holds the union of its roles' capabilities; transitions require any one of the listed capabilities.",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacRolesCmd())
	cmd.AddCommand(rbacDefineCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacBootstrapCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				roles, err := a.Auth.ActorRoles(ctx, actorID)
				if err != nil {
					return err
				}
				caps, err := a.Auth.ActorCapabilities(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"actor_id":     actorID,
					"roles":        nonNil(roles),
					"capabilities": nonNil(caps.Strings()),
				})
			})
		},
	}
}

func rbacRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List roles and their capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				roles, err := a.Repo.ListRoles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Role", "Description", "Capabilities"})
				for _, r := range roles {
					tw.AppendRow(table.Row{r.ID, r.Description, strings.Join(r.Capabilities, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func rbacDefineCmd() *cobra.Command {
	var role, desc string
	var caps []string
	cmd := &cobra.Command{
		Use:   "define-role",
		Short: "Create a role or replace its capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), func(ctx context.Context, a *app.App, actor domain.Actor) error {
				if err := a.Repo.DefineRole(ctx, nil, role, desc, caps); err != nil {
					return err
				}
				sort.Strings(caps)
				return a.Events.Append(ctx, nil, events.TypeRoleDefined, "role", role, actor.ID,
					events.EventPayload{"capabilities": caps})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringSliceVar(&caps, "capability", nil, "capability name (repeatable)")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), func(ctx context.Context, a *app.App, actor domain.Actor) error {
				if err := a.Repo.AssignRole(ctx, nil, target, role); err != nil {
					return err
				}
				return a.Events.Append(ctx, nil, events.TypeRoleGranted, "actor", target, actor.ID,
					events.EventPayload{"role": role})
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), func(ctx context.Context, a *app.App, actor domain.Actor) error {
				if err := a.Repo.RevokeRole(ctx, nil, target, role); err != nil {
					return err
				}
				return a.Events.Append(ctx, nil, events.TypeRoleRevoked, "actor", target, actor.ID,
					events.EventPayload{"role": role})
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacBootstrapCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Grant the admin role to the first administrator",
		Long:  "Works only while no actor holds the admin capability.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Repo.CountCapabilityHolders(ctx, domain.CapAdmin.String())
				if err != nil {
					return err
				}
				if n > 0 {
					return fmt.Errorf("workspace already has %d admin(s); use sf rbac grant", n)
				}
				if err := a.Repo.AssignRole(ctx, nil, target, "admin"); err != nil {
					return err
				}
				return a.Events.Append(ctx, nil, events.TypeRoleGranted, "actor", target, domain.SystemActor.ID,
					events.EventPayload{"role": "admin", "bootstrap": true})
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for service accounts",
		Long:  "API keys authenticate non-interactive callers such as an external scheduler. The key acts with its actor's roles.",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var target, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), func(ctx context.Context, a *app.App, actor domain.Actor) error {
				secret := "sfk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   target,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if err := a.Events.Append(ctx, nil, events.TypeAPIKeyCreated, "actor", target, actor.ID,
					events.EventPayload{"key_id": key.ID, "name": name}); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": target, "key": secret})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "service actor id")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor filter")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), func(ctx context.Context, a *app.App, actor domain.Actor) error {
				if err := a.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				return a.Events.Append(ctx, nil, events.TypeAPIKeyRevoked, "api_key", args[0], actor.ID, events.EventPayload{})
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var target string
	var caps []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		Long:  "Signs an HS256 token with STATUSFLOW_JWT_SECRET. Capabilities given here are added to the actor's RBAC capabilities by the server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				target = viper.GetString("actor-id")
			}
			token, err := server.SignToken(os.Getenv("STATUSFLOW_JWT_SECRET"), target, caps, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"actor_id": target, "token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&caps, "capability", nil, "capability claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime (0 = no expiry)")
	return cmd
}

// --- helpers ---

func cliLogger() *slog.Logger {
	return app.NewLogger(os.Stderr, viper.GetString("log-level"), viper.GetString("log-format"))
}

func cliActor() domain.Actor {
	return domain.Actor{ID: viper.GetString("actor-id")}
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func appOptions(logger *slog.Logger) (app.Options, error) {
	opts := app.Options{
		Workspace: viper.GetString("workspace"),
		DBPath:    viper.GetString("db"),
		Logger:    logger,
	}
	if path := viper.GetString("config"); path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return app.Options{}, err
		}
		opts.Config = cfg
	}
	return opts, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	opts, err := appOptions(cliLogger())
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withAdmin runs fn when --actor-id holds the admin capability.
func withAdmin(ctx context.Context, fn func(context.Context, *app.App, domain.Actor) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		actor := cliActor()
		if err := a.Auth.Require(ctx, actor.ID, domain.NewCapabilitySet(domain.CapAdmin)); err != nil {
			return err
		}
		return fn(ctx, a, actor)
	})
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD or RFC3339)", s)
	}
	return t.UTC(), nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
