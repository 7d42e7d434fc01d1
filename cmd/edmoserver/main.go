// Command edmoserver runs the EDMO robot coordination server: it discovers
// robots over serial and UDP, fuses them into per-robot sessions, and
// exposes session control and WebRTC teleoperation over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TeamEDMO/Server/backend"
	"github.com/TeamEDMO/Server/config"
	"github.com/TeamEDMO/Server/httpapi"
	"github.com/TeamEDMO/Server/session"
	serialtransport "github.com/TeamEDMO/Server/transport/serial"
	"github.com/TeamEDMO/Server/transport/fused"
	"github.com/TeamEDMO/Server/transport/udpnet"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()

	catalog, err := session.LoadCatalog(cfg.TaskCatalogPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.TaskCatalogPath).Msg("no task catalog loaded")
	}

	udpMgr, err := udpnet.NewManager()
	if err != nil {
		log.Fatal().Err(err).Msg("udp socket bind failed")
	}
	serialMgr := serialtransport.NewManager(cfg.SerialDeviceLabel)
	go udpMgr.Listen()

	transport := fused.New(serialMgr, udpMgr)
	be := backend.New(transport, cfg.PlayersPerSession, catalog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go be.Run(ctx)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.NewRouter(be),
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}
}
