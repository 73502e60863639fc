package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/millwork-app/millwork/config"
	"github.com/millwork-app/millwork/engine"
	"github.com/millwork-app/millwork/interp"
	"github.com/millwork-app/millwork/log"
	"github.com/millwork-app/millwork/monitor"
	"github.com/millwork-app/millwork/store"
)

var (
	version = "1.0.0"

	workersFlag   int
	historyFlag   string
	lowMemoryFlag bool

	rootCmd = &cobra.Command{
		Use:   "millwork",
		Short: "Millwork - background task engine for the desktop app",
		Long: `Millwork runs the background-task engine standalone: it accepts work
over the embedding application's API, admits tasks under resource limits and
delegates payload execution to the configured interpreter.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			cfg := config.LoadConfig()
			if workersFlag > 0 {
				cfg.MaxWorkers = workersFlag
			}
			if historyFlag != "" {
				cfg.HistoryDBPath = historyFlag
			}

			limits := monitor.ResourceLimits{
				MaxMemoryMB:        cfg.MaxMemoryMB,
				MaxCPUPercent:      cfg.MaxCPUPercent,
				MaxConcurrentTasks: cfg.MaxConcurrentTasks,
				TaskTimeout:        time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
			}
			mon := monitor.NewResourceMonitor(limits, time.Duration(cfg.SampleIntervalMS)*time.Millisecond)
			if lowMemoryFlag {
				mon.OptimizeForLowMemory()
			}

			var history engine.HistoryRecorder
			if cfg.HistoryDBPath != "" {
				hs, err := store.Open(cfg.HistoryDBPath)
				if err != nil {
					return fmt.Errorf("failed to open task history: %w", err)
				}
				defer hs.Close()
				history = hs
			}

			eng, err := engine.New(engine.Options{
				MaxWorkers:        cfg.MaxWorkers,
				AdmissionInterval: time.Duration(cfg.AdmissionIntervalMS) * time.Millisecond,
				Monitor:           mon,
				History:           history,
			})
			if err != nil {
				return err
			}

			runner := interp.NewRunner(cfg.InterpreterCommand)
			for _, kind := range []engine.TaskKind{
				engine.KindWebScraping,
				engine.KindTextProcessing,
				engine.KindChunkGeneration,
				engine.KindExport,
			} {
				eng.RegisterExecutor(kind, runner.Run)
			}

			if err := eng.Start(); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			eng.Shutdown()

			stats := eng.SystemStats()
			fmt.Printf("tasks: %d total, %d completed, %d failed, %d cancelled (success rate %.1f%%)\n",
				stats.Total, stats.Completed, stats.Failed, stats.Cancelled, stats.SuccessRate)
			fmt.Println(mon.Recommendation())
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of millwork",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("millwork version %s\n", version)
		},
	}
)

func init() {
	rootCmd.Flags().IntVarP(&workersFlag, "workers", "w", 0, "Override the configured worker slot count")
	rootCmd.Flags().StringVar(&historyFlag, "history", "", "Path to the task history database")
	rootCmd.Flags().BoolVar(&lowMemoryFlag, "low-memory", false, "Start with the low-memory resource profile")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
