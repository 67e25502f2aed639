// fleetsimd runs the development fleet server: the REST endpoints and
// websocket stream the sync client consumes, backed by a simulated plant
// floor. Not for production use.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetsync/fleetsync/internal/auth"
	"github.com/fleetsync/fleetsync/internal/config"
	"github.com/fleetsync/fleetsync/internal/logger"
	"github.com/fleetsync/fleetsync/internal/netutil"
	"github.com/fleetsync/fleetsync/internal/simserver"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	secret := cfg.SimJWTSecret
	if secret == "" {
		// Ephemeral secret per run; fine for a dev tool, tokens just don't
		// survive restarts.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			log.WithError(err).Fatal("generating jwt secret failed")
		}
		secret = hex.EncodeToString(buf)
		log.Warn("FLEETSYNC_JWT_SECRET not set, generated an ephemeral secret")
	}

	srv := simserver.New(auth.NewService(secret), log)
	srv.Start()
	defer srv.Stop()

	addr := fmt.Sprintf(":%d", cfg.SimPort)
	// No read/write timeouts: the /ws endpoint holds connections open
	// indefinitely.
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Router,
	}

	go func() {
		log.WithField("addr", addr).Info("fleet simulator listening")
		if ip := netutil.LANIP(); ip != "" {
			log.Infof("reachable at http://%s:%d", ip, cfg.SimPort)
		}
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
}
