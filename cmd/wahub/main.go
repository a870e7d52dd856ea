package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/talkhub/wahub/config"
	"github.com/talkhub/wahub/internal/adminapi"
	"github.com/talkhub/wahub/internal/app"
	"github.com/talkhub/wahub/internal/broadcast"
	"github.com/talkhub/wahub/internal/dispatch"
	"github.com/talkhub/wahub/internal/driver"
	"github.com/talkhub/wahub/internal/groupsync"
	"github.com/talkhub/wahub/internal/identity"
	"github.com/talkhub/wahub/internal/lifecycle"
	"github.com/talkhub/wahub/internal/monitor"
	"github.com/talkhub/wahub/internal/session"
	"github.com/talkhub/wahub/internal/webserver"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	h        = flag.Bool("h", false, "help usage")
	x        = flag.Bool("x", false, "debug mode")
	initcfg  = flag.Bool("initcfg", false, "write default configuration file and exit")
	conffile = flag.String("c", "wahub.yml", "config file")
)

func printHelp() {
	if *h {
		ustr := fmt.Sprintf("wahub usage:\nwahub -h | -x | -initcfg | -c wahub.yml\nOptions:")
		fmt.Fprintf(os.Stderr, ustr)
		flag.PrintDefaults()
		os.Exit(0)
	}
}

func main() {
	flag.Parse()
	printHelp()

	if *initcfg {
		data, err := yaml.Marshal(config.DefaultAppConfig())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := os.WriteFile(*conffile, data, 0644); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config written to " + *conffile)
		return
	}

	cfg := config.LoadConfig(*conffile)
	if *x {
		cfg.System.Debug = true
	}
	_ = os.MkdirAll(cfg.System.Workdir, 0755)
	_ = os.MkdirAll(cfg.Session.StorageRoot, 0755)

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	registry := session.NewRegistry()
	timers := session.NewTimerRegistry()
	events := broadcast.New(application.Bus())
	extractor := identity.NewExtractor(application, events)
	watcher := monitor.New(application, registry, timers, extractor, events)
	controller := lifecycle.NewController(application, registry, timers,
		driver.NewWhatsmeowFactory(), events, extractor, watcher)
	engine := groupsync.NewEngine(application, registry, controller)
	dispatcher := dispatch.NewDispatcher(application, registry, events)
	if err := dispatcher.Start(); err != nil {
		zap.L().Fatal("dispatcher start failed", zap.Error(err))
	}

	// Recurring jobs: identity sweep and scheduled-message release.
	if _, err := application.Scheduler().AddFunc("@every 5m", func() {
		watcher.Sweep(context.Background())
	}); err != nil {
		zap.L().Error("register sweep job failed", zap.Error(err))
	}
	if _, err := application.Scheduler().AddFunc("@every 1m", func() {
		dispatcher.ReleaseScheduled(context.Background())
	}); err != nil {
		zap.L().Error("register scheduled-release job failed", zap.Error(err))
	}

	go controller.RecoverSessions(context.Background())

	webserver.Init(application)
	adminapi.InitRouter(application, controller, registry, engine, dispatcher)

	errCh := make(chan error, 1)
	go func() {
		errCh <- webserver.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		zap.L().Error("admin api stopped", zap.Error(err))
	case sig := <-sigCh:
		zap.L().Info("shutting down", zap.String("signal", sig.String()))
	}
}
