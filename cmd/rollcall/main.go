package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rollcall.dev/internal/auth"
	"rollcall.dev/internal/bus"
	"rollcall.dev/internal/config"
	"rollcall.dev/internal/creds"
	"rollcall.dev/internal/httpapi"
	"rollcall.dev/internal/identity"
	"rollcall.dev/internal/ids"
	"rollcall.dev/internal/ledger"
	"rollcall.dev/internal/obs"
	"rollcall.dev/internal/orch"
	"rollcall.dev/internal/proxypool"
	"rollcall.dev/internal/retry"
	"rollcall.dev/internal/steps"
	"rollcall.dev/internal/store/pg"
	"rollcall.dev/internal/workflow"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "rollcall",
	Short: "Identity processing orchestrator",
	Long: `Rollcall drives batches of identities through proxy-bound verification,
recovery and audit, and projects the economics of the surviving ones.
Identities flow pending -> proxy_assigned -> mailbox_verifying ->
platform_verifying [-> recovery_in_progress] -> security_auditing ->
completed; checkpoint, 2fa and block outcomes park them for a human.`,
}

func main() {
	cobra.OnInitialize(initEnv)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initEnv() {
	viper.SetEnvPrefix("ROLLCALL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to YAML config")
	rootCmd.PersistentFlags().String("pg-dsn", "", "postgres DSN (overrides config)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("pg-dsn", rootCmd.PersistentFlags().Lookup("pg-dsn"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(poolCmd())
	rootCmd.AddCommand(hashPasswordCmd())
	rootCmd.AddCommand(versionCmd())
}

// loadConfig resolves the effective configuration: defaults, then the YAML
// file when given, then flag/env overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg = config.Default()
		err = cfg.Validate()
	}
	if err != nil {
		return nil, err
	}
	if dsn := viper.GetString("pg-dsn"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	return cfg, nil
}

// pipeline bundles everything a processing run needs, for both the daemon
// and the one-shot batch command.
type pipeline struct {
	cfg   *config.Config
	pool  *proxypool.Pool
	vault *creds.InMemory
	agg   *ledger.InMemory
	bus   *bus.Bus
	orch  *orch.Orchestrator
	store *pg.Store
}

func buildPipeline(cfg *config.Config) (*pipeline, error) {
	pool := proxypool.NewPool(
		proxypool.WithFailureThreshold(cfg.Pool.FailureThreshold),
		proxypool.WithLatencyCeiling(cfg.LatencyCeiling()),
		proxypool.WithProbeTimeout(cfg.ProbeTimeout()),
	)
	descriptors, err := cfg.PoolDescriptors()
	if err != nil {
		return nil, err
	}
	if err := pool.Load(descriptors); err != nil {
		return nil, err
	}

	key, err := cfg.CredsKey()
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		// No configured key: secrets live only for this process.
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		obs.LogOp("main", "using ephemeral credential key", nil)
	}
	vault, err := creds.NewInMemory(key)
	if err != nil {
		return nil, err
	}

	reg := workflow.NewRegistry()
	steps.NewSet(vault).RegisterDefaults(reg)

	policy := retry.NewPolicy(cfg.Retry.MaxAttempts, cfg.RetryBaseDelay(), cfg.RetryMaxDelay())
	b := bus.New(0)
	agg := ledger.NewInMemory(cfg.Schedule())
	machine := workflow.NewMachine(reg, policy, pool, b)

	opts := []orch.Option{
		orch.WithRunDeadline(cfg.RunDeadline()),
		orch.WithRequeueBackoff(cfg.RequeueBackoff()),
		orch.WithQueueSize(cfg.Orchestrator.QueueSize),
	}
	var store *pg.Store
	if cfg.Store.DSN != "" {
		store, err = pg.Open(cfg.Store.DSN,
			pg.WithMaxOpenConns(cfg.Store.MaxOpenConns),
			pg.WithMaxIdleConns(cfg.Store.MaxIdleConns),
			pg.WithConnMaxLifetime(cfg.ConnMaxLifetime()),
		)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		opts = append(opts, orch.WithStore(store))
	}

	return &pipeline{
		cfg:   cfg,
		pool:  pool,
		vault: vault,
		agg:   agg,
		bus:   b,
		orch:  orch.New(pool, machine, agg, b, opts...),
		store: store,
	}, nil
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon with the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			if cfg.HTTP.OperatorPasswordHash != "" && !auth.TokensConfigured() {
				return fmt.Errorf("ROLLCALL_AUTH_SECRET is required when operator_password_hash is set")
			}

			obs.Init()
			obs.InitBuildInfo(version, commit)

			p, err := buildPipeline(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if p.store != nil {
				if err := resumePending(ctx, p); err != nil {
					return err
				}
				go persistEvents(ctx, p)
				go flushPoolSnapshots(ctx, p)
			}

			prober := proxypool.NewProber(p.pool, cfg.Pool.ProbesPerSecond, cfg.ProbeInterval())
			go prober.Run(ctx)
			go func() { _ = p.orch.Run(ctx, cfg.Orchestrator.MaxConcurrency) }()

			apiOpts := []httpapi.Option{
				httpapi.WithVersion(version),
				httpapi.WithCredentialSeeder(p.vault),
				httpapi.WithOperatorPassword(cfg.HTTP.OperatorPasswordHash),
				httpapi.WithTokenTTL(cfg.TokenTTL()),
				httpapi.WithAllowedOrigin(cfg.HTTP.AllowedOrigin),
				httpapi.WithRateLimit(cfg.HTTP.RatePerSecond, cfg.HTTP.RateBurst),
				httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
			}
			if p.store != nil {
				apiOpts = append(apiOpts, httpapi.WithReadyProbe(httpapi.ReadyProbe{DB: p.store.DB()}))
			}
			api := httpapi.New(p.orch, p.pool, p.agg, p.bus, apiOpts...)

			srv := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           api.Handler(),
				ReadTimeout:       15 * time.Second,
				ReadHeaderTimeout: 15 * time.Second,
				WriteTimeout:      15 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				obs.LogOp("main", "rollcall serving", map[string]any{"addr": srv.Addr, "version": version})
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			obs.LogOp("main", "shutting down", nil)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			if p.store != nil {
				_ = p.store.Close()
			}
			obs.LogOp("main", "stopped", nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// resumePending claims identities another daemon left pending and requeues
// them, so restarts do not strand half-finished batches.
func resumePending(ctx context.Context, p *pipeline) error {
	pending, err := p.store.ClaimPending(ctx, p.cfg.Orchestrator.QueueSize)
	if err != nil {
		return fmt.Errorf("claim pending identities: %w", err)
	}
	for _, rec := range pending {
		if err := p.orch.Add(rec); err != nil && !errors.Is(err, orch.ErrIdentityExists) {
			obs.LogOp("main", "resume add failed", map[string]any{"identity_id": rec.ID, "error": err.Error()})
			continue
		}
		if err := p.orch.Submit(rec.ID); err != nil {
			obs.LogOp("main", "resume submit failed", map[string]any{"identity_id": rec.ID, "error": err.Error()})
		}
	}
	if len(pending) > 0 {
		obs.LogOp("main", "resumed pending identities", map[string]any{"count": len(pending)})
	}
	return nil
}

// persistEvents drains the bus into the events table until shutdown.
func persistEvents(ctx context.Context, p *pipeline) {
	for evt := range p.bus.Subscribe(ctx, 256) {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.store.InsertEvent(wctx, evt); err != nil {
			obs.LogOp("main", "event persist failed", map[string]any{"seq": evt.Seq, "error": err.Error()})
		}
		cancel()
	}
}

// flushPoolSnapshots periodically writes proxy health to the store so
// operators can see pool state across restarts.
func flushPoolSnapshots(ctx context.Context, p *pipeline) {
	ticker := time.NewTicker(p.cfg.ProbeInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, px := range p.pool.Snapshot() {
				wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := p.store.UpsertProxy(wctx, px); err != nil {
					obs.LogOp("main", "proxy persist failed", map[string]any{"proxy_id": px.ID, "error": err.Error()})
				}
				cancel()
			}
		}
	}
}

func runCmd() *cobra.Command {
	var file string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a batch of identities and exit",
		Long: `Reads one identity per line from the given file:

    mailbox_address[:mailbox_secret[:platform_secret]]

Blank lines and # comments are skipped. The batch runs to completion
against the configured proxy pool, then outcome and ledger tables are
printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			entries, err := readIdentityFile(file)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no identities in %s", file)
			}

			obs.Init()
			p, err := buildPipeline(cfg)
			if err != nil {
				return err
			}
			if p.store != nil {
				defer p.store.Close()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			for _, e := range entries {
				rec := identity.Identity{
					ID:             ids.NewIdentity(),
					MailboxAddress: e.mailbox,
				}
				if err := p.orch.Add(rec); err != nil {
					return err
				}
				if e.mailboxSecret != "" {
					if err := p.vault.Put(rec.ID, creds.KindMailbox, e.mailboxSecret); err != nil {
						return err
					}
				}
				if e.platformSecret != "" {
					if err := p.vault.Put(rec.ID, creds.KindPlatform, e.platformSecret); err != nil {
						return err
					}
				}
				if err := p.orch.Submit(rec.ID); err != nil {
					return err
				}
			}

			prober := proxypool.NewProber(p.pool, cfg.Pool.ProbesPerSecond, cfg.ProbeInterval())
			go prober.Run(ctx)

			runCtx, cancelRun := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				_ = p.orch.Run(runCtx, cfg.Orchestrator.MaxConcurrency)
				close(done)
			}()

			err = p.orch.WaitIdle(ctx)
			cancelRun()
			<-done
			if err != nil {
				return fmt.Errorf("batch interrupted: %w", err)
			}

			return printBatchOutcome(p)
		},
	}
	cmd.Flags().StringVar(&file, "identities", "", "path to identities file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the batch after this long (0 = no limit)")
	_ = cmd.MarkFlagRequired("identities")
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Project the ledger over persisted identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.DSN == "" {
				return fmt.Errorf("report reads persisted identities; set --pg-dsn or store.dsn")
			}
			store, err := pg.Open(cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListIdentities(cmd.Context())
			if err != nil {
				return err
			}
			agg := ledger.NewInMemory(cfg.Schedule())
			for _, rec := range recs {
				if rec.Status == identity.StatusCompleted {
					agg.Record(rec.ID, rec.ActivityDays)
				}
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"statements": agg.Statements(),
					"summary":    agg.Summary(),
				})
			}
			printLedgerTables(agg)
			return nil
		},
	}
	return cmd
}

func poolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Proxy pool utilities",
	}
	cmd.AddCommand(poolCheckCmd())
	return cmd
}

func poolCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [descriptor ...]",
		Short: "Probe proxies once and print their health",
		Long:  "Probes the given descriptors, or the configured pool when none are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			descriptors := args
			if len(descriptors) == 0 {
				descriptors, err = cfg.PoolDescriptors()
				if err != nil {
					return err
				}
			}
			if len(descriptors) == 0 {
				return fmt.Errorf("no proxy descriptors to check")
			}

			pool := proxypool.NewPool(
				proxypool.WithFailureThreshold(cfg.Pool.FailureThreshold),
				proxypool.WithLatencyCeiling(cfg.LatencyCeiling()),
				proxypool.WithProbeTimeout(cfg.ProbeTimeout()),
			)
			if err := pool.Load(descriptors); err != nil {
				return err
			}
			for _, px := range pool.Snapshot() {
				_, _ = pool.HealthCheck(cmd.Context(), px.ID)
			}

			snap := pool.Snapshot()
			if viper.GetBool("json") {
				return printJSON(snap)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Endpoint", "Health", "Latency", "Fails"})
			for _, px := range snap {
				tw.AppendRow(table.Row{px.Redacted(), px.Health, px.Latency.Round(time.Millisecond), px.Fails})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Hash an operator password for the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
	return cmd
}

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				return printJSON(map[string]string{"version": version, "commit": commit})
			}
			fmt.Printf("rollcall %s (%s)\n", version, commit)
			return nil
		},
	}
	return cmd
}

// --- helpers ---

type identityEntry struct {
	mailbox        string
	mailboxSecret  string
	platformSecret string
}

func readIdentityFile(path string) ([]identityEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []identityEntry
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.SplitN(text, ":", 3)
		entry := identityEntry{mailbox: strings.TrimSpace(parts[0])}
		if entry.mailbox == "" || !strings.Contains(entry.mailbox, "@") {
			return nil, fmt.Errorf("%s:%d: %q is not a mailbox address", path, line, parts[0])
		}
		if len(parts) > 1 {
			entry.mailboxSecret = parts[1]
		}
		if len(parts) > 2 {
			entry.platformSecret = parts[2]
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func printBatchOutcome(p *pipeline) error {
	recs := p.orch.List()
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"identities": recs,
			"statements": p.agg.Statements(),
			"summary":    p.agg.Summary(),
		})
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Mailbox", "Outcome", "Detail", "Days"})
	for _, rec := range recs {
		tw.AppendRow(table.Row{rec.ID, rec.MailboxAddress, rec.Status, rec.LastDetail, rec.ActivityDays})
	}
	tw.Render()

	fmt.Println()
	printLedgerTables(p.agg)
	return nil
}

func printLedgerTables(agg *ledger.InMemory) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Identity", "Days", "Daily Cost", "Daily Revenue", "Daily Profit", "Total Profit"})
	for _, st := range agg.Statements() {
		tw.AppendRow(table.Row{
			st.IdentityID,
			st.ActivityDays,
			fmt.Sprintf("%.4f", st.DailyCost),
			fmt.Sprintf("%.4f", st.DailyRevenue),
			fmt.Sprintf("%.4f", st.DailyProfit),
			fmt.Sprintf("%.4f", st.TotalProfit),
		})
	}
	tw.Render()

	sum := agg.Summary()
	fmt.Printf("identities: %d  activity days: %d  total profit: %.4f  roi: %.1f%%  loss-makers: %d\n",
		sum.Identities, sum.ActivityDays, sum.TotalProfit, sum.ROIPercent, sum.LossMakers)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
