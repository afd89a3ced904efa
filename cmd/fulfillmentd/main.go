// Command fulfillmentd runs the order fulfillment service: the HTTP API,
// the task processor, the scheduled-replay worker and the cron scheduler,
// all supervised under one cancellation scope.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 database
// unreachable at startup.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/socialboost/fulfillment/api"
	"github.com/socialboost/fulfillment/config"
	"github.com/socialboost/fulfillment/cron"
	"github.com/socialboost/fulfillment/fulfillment"
	"github.com/socialboost/fulfillment/notify"
	"github.com/socialboost/fulfillment/obs"
	"github.com/socialboost/fulfillment/payments"
	"github.com/socialboost/fulfillment/processor"
	"github.com/socialboost/fulfillment/provider"
	"github.com/socialboost/fulfillment/replay"
	"github.com/socialboost/fulfillment/store/postgres"
	"github.com/socialboost/fulfillment/supervisor"
)

const (
	exitConfig = 1
	exitDB     = 2
)

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatJSON))

	cfg, err := config.Load()
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "configuration error"})
		os.Exit(exitConfig)
	}
	log.Info(ctx, log.KV{K: "msg", V: "starting"}, log.KV{K: "config", V: cfg.Redacted()})

	st, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "database unreachable"})
		os.Exit(exitDB)
	}

	metrics := obs.New()
	dispatcher := notify.NewDispatcher()
	machine := fulfillment.NewStateMachine(nil)
	invoker := provider.NewInvoker()
	automation := provider.NewAutomation(invoker)
	ff := fulfillment.NewService(machine, automation, dispatcher)
	// The hosted-checkout gateway transport is out of scope; the in-memory
	// gateway satisfies the interface until a real one is wired.
	pay := payments.NewService(payments.NewMemoryGateway(), ff, dispatcher, metrics, cfg.PaymentProviderSecret, cfg.FrontendURL)

	proc := processor.New(st, ff, metrics, processor.Config{
		PollInterval: cfg.Fulfillment.Interval,
		BatchSize:    cfg.Fulfillment.Limit,
	})
	replayWorker := replay.New(st, automation, replay.Config{Interval: cfg.ProviderReply.Interval})

	sup := supervisor.New()

	var scheduler *cron.Scheduler
	if cfg.SchedulePath != "" {
		schedule, err := cron.LoadSchedule(cfg.SchedulePath)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "schedule load failed"})
			os.Exit(exitConfig)
		}
		registry := cron.BuildRegistry(cron.Deps{
			Store:      st,
			Automation: automation,
			Replay:     replayWorker,
			Dispatcher: dispatcher,
		})
		scheduler, err = cron.New(schedule, registry)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "scheduler setup failed"})
			os.Exit(exitConfig)
		}
		sup.Add("cron", scheduler.Start)
	}

	serverOpts := []api.Option{}
	if scheduler != nil {
		serverOpts = append(serverOpts, api.WithCronHealth(scheduler.Health))
	}
	apiServer := api.NewServer(st, pay, machine, automation, metrics, cfg.CheckoutAPIKey, serverOpts...)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sup.Add("http", func(ctx context.Context) error {
		errc := make(chan error, 1)
		go func() { errc <- httpServer.ListenAndServe() }()
		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return ctx.Err()
		}
	})
	if cfg.Fulfillment.Enabled {
		sup.Add("processor", proc.Run)
	}
	if cfg.ProviderReply.Enabled {
		sup.Add("replay", replayWorker.Run)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(ctx, err, log.KV{K: "msg", V: "worker failure"})
	}
	log.Info(ctx, log.KV{K: "msg", V: "shutdown complete"})
}
