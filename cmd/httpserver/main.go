package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/signing-ceremony-backend/api/handlers"
	"github.com/ruteri/signing-ceremony-backend/cmd/flags"
	"github.com/ruteri/signing-ceremony-backend/config"
	"github.com/ruteri/signing-ceremony-backend/httpserver"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "esign-server",
		Usage: "Serve the envelope signing API and run the background sweeps",
		Flags: append([]cli.Flag{
			flags.ConfigFileFlag,
			flags.ListenAddrFlag,
			flags.MasterKeyFlag,
			flags.DatabaseURLFlag,
			flags.LogServiceFlagFn("esign-server"),
		}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg := config.Default()
			if path := cCtx.String(flags.ConfigFileFlag.Name); path != "" {
				loaded, err := config.LoadFile(path)
				if err != nil {
					logger.Error("Failed to load config", "file", path, "err", err)
					return err
				}
				cfg = loaded
				logger.Info("Configuration loaded", "file", path)
			}
			if key := cCtx.String(flags.MasterKeyFlag.Name); key != "" {
				cfg.Storage.MasterKeyHex = key
			}
			if url := cCtx.String(flags.DatabaseURLFlag.Name); url != "" {
				cfg.Database.URL = url
			}
			if err := cfg.Validate(); err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			eng, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				logger.Error("Failed to initialize", "err", err)
				return err
			}
			defer eng.Close(logger)

			handler := handlers.NewHandler(eng.orchestrator, logger)
			serverCfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name))
			server, err := httpserver.New(serverCfg, handler, eng.pingers)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			go eng.sweeper.Run(ctx)
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			cancel()
			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
