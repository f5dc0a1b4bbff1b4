/* SPDX-License-Identifier: MIT */

// Command ibsschatd is the daemon entrypoint. It parses process flags,
// loads the bootstrap config, and boots the engine. The interactive
// front-end and the Wi-Fi/ESSID configuration subsystem are external
// collaborators and live outside this binary entirely.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/claesmnyberg/ibsschat/internal/config"
	"github.com/claesmnyberg/ibsschat/internal/engine"
	"github.com/claesmnyberg/ibsschat/internal/logger"
	"github.com/claesmnyberg/ibsschat/internal/status"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/ibsschat/ibsschatd.json", "path to the bootstrap config file")
		verbose    = flag.Bool("verbose", false, "enable verbose logging")
		statusAddr = flag.String("status", "", "override the status endpoint listen address (empty keeps the config file's status_addr)")
	)
	flag.Parse()

	level := logger.LevelError
	if *verbose {
		level = logger.LevelVerbose
	}
	log := logger.New(level, "(ibsschatd) ", os.Stderr)

	if err := run(*configPath, *statusAddr, log); err != nil {
		log.Errorf("%v\n", err)
		os.Exit(1)
	}
}

func run(configPath, statusAddrOverride string, log *logger.Logger) error {
	cfgFile, err := config.Load(configPath)
	if err != nil {
		return err
	}

	selfAddr, err := cfgFile.SelfAddr()
	if err != nil {
		return err
	}
	key, err := cfgFile.Key()
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{SelfIP: selfAddr, Key: key}, log)
	if err != nil {
		return fmt.Errorf("failed to construct engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Stop()

	statusAddr := cfgFile.StatusAddr
	if statusAddrOverride != "" {
		statusAddr = statusAddrOverride
	}
	if statusAddr != "" {
		statusSrv := status.NewServer(statusAddr, eng)
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil {
				log.Errorf("status server exited: %v\n", err)
			}
		}()
		defer statusSrv.Close()
	}

	log.Verbosef("ibsschatd running as %s\n", selfAddr)
	<-ctx.Done()
	log.Verbosef("shutting down\n")
	return nil
}
