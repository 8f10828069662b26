package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bountyline/internal/app"
	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine/auth"
	"bountyline/internal/money"
	"bountyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bountyline CLI",
	Long: `Bountyline runs research bounties from draft to payout.
Core concepts:
- Bounty: a funded research request that moves drafting -> admin review -> funding -> bidding -> research -> payout.
- Escrow: the budget is locked on the bounty's payment rail (card, base_usdc, solana_usdc) before bidding opens and released per milestone.
- Events: every change is an event (SUBMIT_DRAFT, APPROVE_MILESTONE, ...) submitted with 'bl bounty submit'.
- Watchdog: 'bl watchdog sweep' expires bidding windows and deadlines, flags overdue milestones and stale reviews.
- Recovery: 'bl recover' settles fund movements interrupted by a crash or an unreachable rail.
- Event log: one notification per transition, view with 'bl bounty log <id>'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOUNTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/bountyline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "skip permission checks (local administration)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for API tokens")
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(bountyCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(watchdogCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace, default config and schema; grant admin to --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Init(cmd.Context(), workspace, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			defer a.Close()
			out := map[string]any{
				"workspace": workspace,
				"config":    config.Path(workspace),
				"database":  db.Path(workspace),
				"admin":     viper.GetString("actor-id"),
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("Initialized %s (config %s, admin %s)\n", db.Path(workspace), config.Path(workspace), viper.GetString("actor-id"))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect platform config",
		Long:  "Config is the platform rulebook (bountyline.yml): lifecycle policy, enabled rails, watchdog cadence, webhooks and RBAC roles.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(viper.GetString("workspace"))
}

func ledgerCmd() *cobra.Command {
	led := &cobra.Command{Use: "ledger", Short: "Sandbox rail accounts"}
	var method, payer string
	var amount float64
	fund := &cobra.Command{
		Use:   "fund",
		Short: "Credit a payer account on a sandbox rail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				adapter, err := a.Rails.Get(domain.PaymentMethod(method))
				if err != nil {
					return err
				}
				units, err := money.ToBaseUnits(amount, adapter.Decimals())
				if err != nil {
					return err
				}
				if err := a.Ledger.Fund(ctx, adapter.Method(), payer, units); err != nil {
					return err
				}
				bal, _, err := a.Ledger.AccountBalance(ctx, adapter.Method(), payer)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"rail": method, "payer": payer, "balance_units": bal},
					fmt.Sprintf("%s %s balance %s %s", method, payer, money.Format(bal, adapter.Decimals()), adapter.Currency()))
			})
		},
	}
	fund.Flags().StringVar(&method, "rail", "card", "payment rail")
	fund.Flags().StringVar(&payer, "payer", "", "payer reference")
	fund.Flags().Float64Var(&amount, "amount", 0, "amount in human units")
	_ = fund.MarkFlagRequired("payer")
	led.AddCommand(fund)
	return led
}

func watchdogCmd() *cobra.Command {
	wd := &cobra.Command{Use: "watchdog", Short: "Deadline and timeout checks"}
	wd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run every check once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Watchdog().Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	})
	wd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Sweep on the configured interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				err := a.Watchdog().Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	})
	return wd
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Settle fund movements left open by an interruption",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Engine.Recover(ctx)
				if perr := printJSON(report); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func rbacCmd() *cobra.Command {
	rb := &cobra.Command{Use: "rbac", Short: "Manage roles"}
	var actor, role string
	change := func(use, short string, apply func(*app.App, context.Context, string, string) error) *cobra.Command {
		c := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				if actor == "" || role == "" {
					return fmt.Errorf("--actor and --role required")
				}
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					if err := requireLocal(ctx, a, auth.PermRBACManage); err != nil {
						return err
					}
					return apply(a, ctx, actor, role)
				})
			},
		}
		c.Flags().StringVar(&actor, "actor", "", "actor id")
		c.Flags().StringVar(&role, "role", "", "role id")
		return c
	}
	rb.AddCommand(change("grant", "Grant role", func(a *app.App, ctx context.Context, actor, role string) error {
		return a.RBAC.Grant(ctx, actor, role)
	}))
	rb.AddCommand(change("revoke", "Revoke role", func(a *app.App, ctx context.Context, actor, role string) error {
		return a.RBAC.Revoke(ctx, actor, role)
	}))
	rb.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show roles and permissions of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actorID := viper.GetString("actor-id")
				roles, err := a.RBAC.ActorRoles(ctx, actorID)
				if err != nil {
					return err
				}
				perms, err := a.RBAC.ActorPermissions(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"actor_id": actorID, "roles": roles, "permissions": perms})
			})
		},
	})
	return rb
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	var perms []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for --actor-id (requires BOUNTYLINE_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), nil, perms, ttl)
			if err != nil {
				return err
			}
			return printJSONOrText(map[string]any{"token": tok}, tok)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "permission embedded in the token (repeatable)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWatchdog, allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the watchdog and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" && !allowActorHeader {
				return fmt.Errorf("BOUNTYLINE_JWT_SECRET is required for bearer auth")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					Engine:      a.Engine,
					RBAC:        a.RBAC,
					BasePath:    basePath,
					Auth:        server.AuthConfig{JWTSecret: secret, AllowActorHeader: allowActorHeader, Logger: a.Logger.Named("http")},
					MetricsPath: "/metrics",
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					a.Logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return context.Canceled
				})
				if !noWatchdog {
					g.Go(func() error { return a.Watchdog().Run(gctx) })
				}
				g.Go(func() error { return a.Notifier().Run(gctx) })
				fmt.Printf("Serving Bountyline API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
				if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noWatchdog, "no-watchdog", false, "do not run the watchdog in this process")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (local only)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{ConfigPath: viper.GetString("config")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// requireLocal applies RBAC to CLI callers unless --force is set.
func requireLocal(ctx context.Context, a *app.App, perm string) error {
	if viper.GetBool("force") {
		return nil
	}
	return a.RBAC.Require(ctx, viper.GetString("actor-id"), perm)
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
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
