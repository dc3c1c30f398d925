package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/treemana/rosdns/config"
	"github.com/treemana/rosdns/log"
)

const stopTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "rosdns.toml", "path to the configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("config load error", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Verbose = true
	}

	// init log
	if err = log.Init(cfg.LogConfig()); err != nil {
		fmt.Println("log init error", err)
		os.Exit(1)
	}
	defer log.Sync()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	if err = setupAppContainer(cfg).Invoke(appStart(sc)); err != nil {
		log.Sugar.Error(err)
		log.Sync()
		os.Exit(1)
	}
}

func appStart(sc chan os.Signal) func(Dependencies) error {
	return func(dep Dependencies) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go dep.Pool.Run(ctx, dep.Config.Router.EvictInterval.Std())
		dep.Bus.Start()
		dep.Server.Start()
		if dep.Admin != nil {
			if err := dep.Admin.Start(); err != nil {
				dep.Server.Stop(ctx)
				dep.Bus.Stop(ctx)
				return err
			}
		}

		// rosdns is running until os exit
		for s := range sc {
			log.Sugar.Infof("signal %d %s", s, s)
			if s != syscall.SIGHUP {
				break
			}
			if err := dep.Classifier.Reload(); err != nil {
				log.Sugar.Errorf("reload lists error=[%+v]", err)
			}
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()

		dep.Server.Stop(stopCtx)
		dep.Bus.Stop(stopCtx)
		cancel()
		dep.Pool.Close()
		if dep.Admin != nil {
			if err := dep.Admin.Shutdown(stopCtx); err != nil {
				log.Sugar.Errorf("admin shutdown error=[%+v]", err)
			}
		}
		return nil
	}
}
