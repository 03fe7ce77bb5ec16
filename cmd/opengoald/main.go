package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"OpenGoal-Chain/internal/config"
	"OpenGoal-Chain/internal/storage/sqlstore"
	"OpenGoal-Chain/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	configPath string
	objective  string
	maxIters   int
	listLimit  int
)

var rootCmd = &cobra.Command{
	Use:   "opengoald",
	Short: "OpenGoal goal-directed execution daemon",
	Long: `Runs the autonomous dispatch loop and the goal loop.

Scheduled inputs feed the Processor, which routes results to action and output
handlers. Ready goals from the goal graph are executed through the
chain-of-thought loop every engine.goal_interval.`,
	SilenceUsage: true,
	RunE:         runDaemon,
}

var thinkCmd = &cobra.Command{
	Use:   "think [query]",
	Short: "Run one chain-of-thought loop and print the result",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runThink,
}

var journalCmd = &cobra.Command{
	Use:   "journal [goal-id]",
	Short: "Print goal journal entries",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJournal,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $OPENGOAL_CONFIG or configs/opengoal.yaml)")
	rootCmd.Flags().StringVar(&objective, "objective", "", "plan this objective into goals before starting the goal loop")
	thinkCmd.Flags().IntVar(&maxIters, "max-iterations", 0, "iteration cap (default engine.max_iterations)")
	journalCmd.Flags().IntVar(&listLimit, "limit", 100, "maximum number of entries")
	rootCmd.AddCommand(thinkCmd, journalCmd)
}

// main 是 OpenGoal 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatalf("opengoald 运行失败: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	log := logger.Named("opengoald")
	goal := strings.TrimSpace(objective)
	if goal == "" {
		goal = cfg.Engine.Objective
	}
	if goal != "" {
		ids, err := a.chain.PlanStrategy(ctx, goal)
		if err != nil {
			return fmt.Errorf("规划总体目标失败: %w", err)
		}
		log.Info("总体目标已拆解", slog.String("objective", goal), slog.Int("goals", len(ids)))
	}

	a.orch.Start(ctx)
	defer a.orch.Stop()
	if a.alerts != nil {
		a.alerts.Start(ctx)
		defer a.alerts.Stop()
	}
	if a.api != nil {
		go func() {
			if err := a.api.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("API 服务异常退出", slog.Any("error", err))
			}
		}()
	}

	log.Info("守护进程已启动",
		slog.Int("handlers", len(a.orch.Handlers())),
		slog.Duration("goal_interval", cfg.Engine.GoalInterval),
	)
	runGoalLoop(ctx, a, cfg.Engine.GoalInterval, log)
	log.Info("守护进程已停止")
	return nil
}

// runGoalLoop 按间隔执行就绪目标，直到 ctx 结束。
func runGoalLoop(ctx context.Context, a *app, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		execs, err := a.chain.ExecuteReadyGoals(ctx, 0)
		for _, exec := range execs {
			log.Info("目标处理完成",
				slog.String("goal_id", exec.GoalID),
				slog.String("outcome", string(exec.Outcome)),
				slog.Float64("score", exec.Score),
				slog.String("reason", exec.Reason),
			)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("执行目标失败", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runThink(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.chain.Think(ctx, strings.Join(args, " "), maxIters)
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}

func runJournal(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if !cfg.Storage.Journal.Enabled {
		return errors.New("未启用目标日志 storage.journal")
	}
	journal, err := sqlstore.Open(ctx, cfg.Storage.Journal.SQL)
	if err != nil {
		return err
	}
	defer journal.Close()

	goalID := ""
	if len(args) > 0 {
		goalID = args[0]
	}
	entries, err := journal.List(ctx, goalID, listLimit)
	if err != nil {
		return err
	}
	return printJSON(cmd, entries)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
