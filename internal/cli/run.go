package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ticksched/internal/arch"
	"ticksched/internal/clock"
	"ticksched/internal/job"
	"ticksched/internal/sched"
)

type runOptions struct {
	duration     time.Duration
	csvPath      string
	quiet        bool
	offlineCPU   int
	offlineAfter time.Duration
}

func newRunCmd() *cobra.Command {
	var (
		opts runOptions
		cpus int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the demo workload on a simulated kernel",
		Long: "run boots a kernel, starts a producer/consumer pair, a sleeper and two " +
			"round-robin spinners, and drives the tick from a host timer until the duration elapses.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runCfg := cfg
			if cmd.Flags().Changed("cpus") {
				runCfg.CPUs = cpus
			}
			return runSimulation(cmd.Context(), runCfg, opts, cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().DurationVar(&opts.duration, "duration", 2*time.Second, "How long to run the simulation")
	cmd.Flags().StringVar(&opts.csvPath, "csv", "", "Write scheduler events to this CSV file")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not print individual events")
	cmd.Flags().IntVar(&cpus, "cpus", 1, "Number of cores (overrides the config file)")
	cmd.Flags().IntVar(&opts.offlineCPU, "offline-cpu", -1, "Take this core offline and migrate its tasks")
	cmd.Flags().DurationVar(&opts.offlineAfter, "offline-after", time.Second, "When to take --offline-cpu offline")

	return cmd
}

func runSimulation(ctx context.Context, cfg sched.Config, opts runOptions, out io.Writer, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runID := uuid.New().String()
	log := logger.With("run_id", runID)

	cfg = cfg.Clamped()
	host := arch.NewHost(cfg.CPUs, 256, log)
	k := sched.New(cfg, host, log)
	defer k.Stop()

	sink, err := newEventSink(out, opts.quiet, runID, opts.csvPath)
	if err != nil {
		return err
	}
	defer sink.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	ticker := clock.NewTicker(64)
	ticker.Start(cfg.TickPeriod())
	defer ticker.Stop()

	g.Go(func() error {
		defer k.Stop()
		err := k.Drive(gctx, ticker)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if events := k.Events(); events != nil {
		g.Go(func() error {
			for {
				select {
				case ev := <-events:
					if err := sink.handle(ev); err != nil {
						return err
					}
				case <-k.Done():
					for len(events) > 0 {
						if err := sink.handle(<-events); err != nil {
							return err
						}
					}
					return nil
				}
			}
		})
	}

	stats := &job.Stats{}
	if err := startWorkload(gctx, g, k, stats); err != nil {
		k.Stop()
		_ = g.Wait()
		return err
	}

	if opts.offlineCPU >= 0 {
		g.Go(func() error {
			select {
			case <-time.After(opts.offlineAfter):
			case <-gctx.Done():
				return nil
			case <-k.Done():
				return nil
			}
			return takeOffline(k, opts.offlineCPU, log)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	printSummary(out, runID, k, host, ticker, stats, sink)
	return nil
}

// startWorkload spawns the demo tasks, each body on its own goroutine.
func startWorkload(ctx context.Context, g *errgroup.Group, k *sched.Kernel, stats *job.Stats) error {
	items, err := k.NewSemaphore("items", 0)
	if err != nil {
		return err
	}
	slice := int64(k.Config().SliceTicks)
	forever := math.MaxInt32

	workload := []struct {
		cfg  sched.TaskConfig
		body job.Body
	}{
		{sched.TaskConfig{Name: "consumer", Priority: 40}, job.Consumer(items, 4*slice, forever, stats)},
		{sched.TaskConfig{Name: "producer", Priority: 30}, job.Producer(items, 3, forever, stats)},
		{sched.TaskConfig{Name: "sleeper", Priority: 20}, job.Sleeper(k.Clock().TicksToDuration(7), forever, stats)},
		{sched.TaskConfig{Name: "spin-a", Priority: 10, Policy: sched.PolicyRR}, job.Spinner(forever, stats)},
		{sched.TaskConfig{Name: "spin-b", Priority: 10, Policy: sched.PolicyRR}, job.Spinner(forever, stats)},
	}
	for _, w := range workload {
		id, err := k.Spawn(w.cfg)
		if err != nil {
			return fmt.Errorf("spawn %s: %w", w.cfg.Name, err)
		}
		body := w.body
		g.Go(func() error { return job.Run(ctx, k, id, body) })
	}
	return nil
}

// takeOffline removes cpu from service and moves its tasks elsewhere,
// running the migration on another core.
func takeOffline(k *sched.Kernel, cpu int, log *slog.Logger) error {
	caller := 0
	if cpu == 0 {
		caller = 1
	}
	if err := k.CPUDown(cpu); err != nil {
		return fmt.Errorf("offline cpu %d: %w", cpu, err)
	}
	if err := k.MigrateTasks(caller, cpu); err != nil {
		return fmt.Errorf("migrate cpu %d: %w", cpu, err)
	}
	log.Info("cpu taken offline", "cpu", cpu, "remaining", k.AssignedList(cpu))
	return nil
}

func printSummary(out io.Writer, runID string, k *sched.Kernel, host *arch.Host, ticker *clock.Ticker, stats *job.Stats, sink *eventSink) {
	fmt.Fprintf(out, "\nrun %s\n", runID)
	fmt.Fprintf(out, "  ticks:      %s (%s interrupts, %s dropped)\n",
		humanize.Comma(int64(k.TicksNow())), humanize.Comma(int64(ticker.Count())), humanize.Comma(int64(ticker.Dropped())))
	fmt.Fprintf(out, "  switches:   %s\n", humanize.Comma(int64(host.Total())))
	for cpu := 0; cpu < k.CPUs(); cpu++ {
		state := "online"
		if !k.Online(cpu) {
			state = "offline"
		}
		fmt.Fprintf(out, "    cpu %d:    %s (%s)\n", cpu, humanize.Comma(int64(host.Switches(cpu))), state)
	}
	fmt.Fprintf(out, "  semaphore:  %s posts, %s takes, %s timeouts\n",
		humanize.Comma(int64(stats.Posts.Load())), humanize.Comma(int64(stats.Takes.Load())), humanize.Comma(int64(stats.Timeouts.Load())))
	fmt.Fprintf(out, "  sleeps:     %s, yields: %s\n",
		humanize.Comma(int64(stats.Sleeps.Load())), humanize.Comma(int64(stats.Yields.Load())))
	fmt.Fprintf(out, "  events:     %s logged, %s dropped\n",
		humanize.Comma(int64(sink.seen)), humanize.Comma(int64(k.Dropped())))
}
