package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/botgatehq/botgate/internal/agent"
	"github.com/botgatehq/botgate/internal/bus"
	"github.com/botgatehq/botgate/internal/channels"
	"github.com/botgatehq/botgate/internal/config"
	"github.com/botgatehq/botgate/internal/gateway"
	"github.com/botgatehq/botgate/internal/hooks"
	"github.com/botgatehq/botgate/internal/providers"
	"github.com/botgatehq/botgate/internal/queue"
	"github.com/botgatehq/botgate/internal/retry"
	"github.com/botgatehq/botgate/internal/routing"
	"github.com/botgatehq/botgate/internal/sessions"
	filestore "github.com/botgatehq/botgate/internal/store/file"
	"github.com/botgatehq/botgate/internal/telemetry"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the gateway: channels, scheduler, and control plane",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runGateway(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(parent context.Context) error {
	log := newLogger()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTraces(sctx)
	}()

	mb := bus.NewMessageBus(0)
	events := bus.NewEventBus(0)
	hk := hooks.NewRegistry(log)

	st := filestore.New(config.ExpandHome(cfg.Sessions.Storage))
	sm := sessions.NewManager(cfg, st, log)

	re := retry.New(cfg.Retry)
	cm := channels.NewManager(cfg, mb, re, log)
	cm.Register(channels.NewLoopback("loopback", mb))

	provider := providers.NewOpenAICompat(os.Getenv("BOTGATE_API_BASE"), os.Getenv("BOTGATE_API_KEY"))

	var sched *queue.Scheduler
	runner := agent.NewRunner(cfg, provider, sm, events, hk, steerProxy{&sched}, nil, cm, log)
	sched = queue.New(queue.Options{
		Lanes:    cfg.Queue.Lanes,
		Cap:      cfg.Queue.Cap,
		Drop:     cfg.Queue.Drop,
		Debounce: time.Duration(cfg.Queue.DebounceMs) * time.Millisecond,
		Deadline: time.Duration(cfg.Agents.Defaults.RunTimeoutSeconds) * time.Second,
	}, runner.Run, func(job queue.Job, status string, err error) {
		if err != nil {
			log.Warn("run finished", "run_id", job.RunID, "status", status, "error", err)
		} else {
			log.Info("run finished", "run_id", job.RunID, "status", status)
		}
		// Backstop for runs that never dispatched (for example a deadline
		// spent entirely in the backlog): waiters still need a terminal
		// event. The bus ignores this when the runner already published one.
		phase := bus.PhaseEnd
		if status != queue.StatusOK {
			phase = bus.PhaseError
		}
		events.Publish(bus.RunEvent{RunID: job.RunID, Kind: bus.EventLifecycle, Phase: phase, Status: status})
	}, log)

	router := routing.New(cfg, sm, log)
	cons := newConsumer(cfg, mb, events, router, sched, sm, hk, cm, log)

	gw := gateway.New(cfg, sched, events, sm, cm, log)

	if err := cm.StartAll(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cons.run(gctx)
		return nil
	})
	g.Go(func() error {
		cm.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return gw.Start(gctx)
	})

	log.Info("gateway up", "host", cfg.Gateway.Host, "port", cfg.Gateway.Port)
	err = g.Wait()

	// Orderly unwind: stop accepting work, cancel runs, drain outbound.
	sched.Stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cm.StopAll(stopCtx)
	mb.Close()
	log.Info("gateway stopped")
	return err
}

// steerProxy defers scheduler resolution: the runner needs the scheduler
// for steering, and the scheduler needs the runner as its exec func.
type steerProxy struct {
	sched **queue.Scheduler
}

func (p steerProxy) TakeSteer(sessionKey string) []bus.Envelope {
	if p.sched == nil || *p.sched == nil {
		return nil
	}
	return (*p.sched).TakeSteer(sessionKey)
}
