// judgectl is the operator CLI for the judge subsystem: inspecting and
// repairing submissions and outbox rows without going through the worker
// pool or the publisher loop.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tuis-judge/core"
	"tuis-judge/internal/outbox"
)

var (
	cfgFile string
	cfg     core.Config
	db      *pgxpool.Pool
)

var rootCmd = &cobra.Command{
	Use:   "judgectl",
	Short: "Operator CLI for the judge submission and outbox subsystem",
	Long: `judgectl inspects and repairs stuck submissions and outbox rows.

Examples:
  judgectl reclaim-stale --staleness 2m
  judgectl requeue 482
  judgectl outbox-peek --limit 20
  judgectl queue-status`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = core.Load()
		pool, err := core.Connect(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		db = pool
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			db.Close()
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file read by viper; connection settings still come from env vars only (see core.Load)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(reclaimStaleCmd)
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(outboxPeekCmd)
	rootCmd.AddCommand(queueStatusCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetEnvPrefix("JUDGE")
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "judgectl: config file %s not read: %v\n", cfgFile, err)
		}
	}
}

var reclaimStaleCmd = &cobra.Command{
	Use:   "reclaim-stale",
	Short: "Reset submissions stuck in judging past a staleness window back to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		staleness, err := cmd.Flags().GetDuration("staleness")
		if err != nil {
			return err
		}
		dryRun, err := cmd.Flags().GetBool("dry-run")
		if err != nil {
			return err
		}

		repo := core.NewPgSubmissionRepository(db, outbox.NewPgStore(db))
		ctx := context.Background()

		if dryRun {
			fmt.Printf("dry run: would reclaim submissions with verdict=judging and last_heartbeat older than %s\n", staleness)
			return nil
		}

		ids, err := repo.ReclaimStale(ctx, staleness)
		if err != nil {
			return fmt.Errorf("reclaim stale: %w", err)
		}
		if len(ids) == 0 {
			fmt.Println("no stale submissions found")
			return nil
		}
		fmt.Printf("reclaimed %d submission(s): %v\n", len(ids), ids)
		return nil
	},
}

func init() {
	reclaimStaleCmd.Flags().Duration("staleness", 2*time.Minute, "heartbeat age past which a judging submission is considered stuck")
	reclaimStaleCmd.Flags().Bool("dry-run", false, "print the reclaim criterion without querying or changing submissions")
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <submission-id>",
	Short: "Force one submission stuck in judging back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid submission id %q: %w", args[0], err)
		}

		repo := core.NewPgSubmissionRepository(db, outbox.NewPgStore(db))
		if err := repo.RequeueOne(context.Background(), id); err != nil {
			return fmt.Errorf("requeue submission %d: %w", id, err)
		}
		fmt.Printf("submission %d requeued to pending\n", id)
		return nil
	},
}

var outboxPeekCmd = &cobra.Command{
	Use:   "outbox-peek",
	Short: "Show the next batch the outbox publisher would claim, without claiming it",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}

		store := outbox.NewPgStore(db)
		events, err := store.Peek(context.Background(), limit)
		if err != nil {
			return fmt.Errorf("peek outbox: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("outbox has nothing eligible for delivery")
			return nil
		}
		for _, e := range events {
			kind := "domain"
			if e.IsDispatch() {
				kind = "dispatch"
			}
			fmt.Printf("id=%d event_id=%s type=%s kind=%s aggregate=%s/%d status=%s retries=%d\n",
				e.ID, e.EventID, e.EventType, kind, e.AggregateType, e.AggregateID, e.Status, e.RetryCount)
		}
		return nil
	},
}

func init() {
	outboxPeekCmd.Flags().Int("limit", 20, "max rows to show")
}

var queueStatusCmd = &cobra.Command{
	Use:   "queue-status",
	Short: "Report outbox backlog depth and live worker heartbeats",
	RunE: func(cmd *cobra.Command, args []string) error {
		redisClient, err := core.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()

		svc := core.NewMetricsService(redisClient, outbox.NewPgStore(db))
		queue, workers, err := svc.Overview(context.Background())
		if err != nil {
			return fmt.Errorf("queue overview: %w", err)
		}

		fmt.Printf("outbox: pending=%d processing=%d failed=%d\n", queue.OutboxPending, queue.OutboxProcessing, queue.OutboxFailed)
		if len(workers) == 0 {
			fmt.Println("no live worker heartbeats")
			return nil
		}
		for _, w := range workers {
			fmt.Printf("worker=%s host=%s status=%s running=%d slots=%v\n", w.WorkerID, w.Hostname, w.Status, w.RunningCount, w.SandboxSlots)
		}
		return nil
	},
}
