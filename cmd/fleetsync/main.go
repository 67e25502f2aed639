// fleetsync is a terminal monitor for the fleet server: it logs in, opens
// the realtime connection, and prints the scoped fleet picture as it evolves.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/internal/config"
	"github.com/fleetsync/fleetsync/internal/connection"
	"github.com/fleetsync/fleetsync/internal/logger"
	"github.com/fleetsync/fleetsync/internal/metrics"
	"github.com/fleetsync/fleetsync/internal/permissions"
	"github.com/fleetsync/fleetsync/internal/restapi"
	"github.com/fleetsync/fleetsync/internal/session"
)

var version = "dev"

func main() {
	if len(os.Args) == 2 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Println("fleetsync " + version)
		os.Exit(0)
	}

	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	if cfg.Username == "" || cfg.Password == "" {
		log.Fatal("FLEETSYNC_USERNAME and FLEETSYNC_PASSWORD are required")
	}

	api := restapi.NewClient(cfg.APIBaseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	login, err := api.Login(ctx, cfg.Username, cfg.Password)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("login failed")
	}
	log.WithField("user", login.User.Username).WithField("role", login.User.Role).Info("logged in")

	sess := session.New(session.Options{
		Conn: connection.Config{
			URL: cfg.ServerURL,
			Backoff: connection.Backoff{
				Base: cfg.BackoffBase,
				Cap:  cfg.BackoffCap,
			},
			MaxAttempts: cfg.MaxAttempts,
		},
		API:     api,
		Metrics: metrics.New(prometheus.DefaultRegisterer),
		Log:     log,
		Notice: func(kind, message string) {
			log.WithField("kind", kind).Warn(message)
		},
	})

	creds := connection.Credentials{
		Token:  login.Token,
		UserID: login.User.ID,
		Role:   login.User.Role,
	}
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	err = sess.Start(ctx, creds)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("session start failed")
	}
	defer sess.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	printFleet(sess, log)
	for {
		select {
		case <-ticker.C:
			printFleet(sess, log)
		case <-stop:
			log.Info("shutting down")
			return
		}
	}
}

func printFleet(sess *session.Session, log *logrus.Logger) {
	agg := sess.Aggregates()
	visible := sess.VisibleMachines()
	stats := sess.Permissions().GetStats()

	scope := fmt.Sprintf("%d grants", stats.Total)
	if stats.Total == permissions.UnboundedCount {
		scope = "all access"
	}
	log.Infof("fleet: %d machines (%d visible, %s) running=%d stopped=%d maintenance=%d error=%d off-shift=%d alerts=%d",
		agg.Total,
		len(visible),
		scope,
		agg.ByStatus["RUNNING"],
		agg.ByStatus["STOPPED"],
		agg.ByStatus["MAINTENANCE"],
		agg.ByStatus["ERROR"],
		agg.ByStatus["OFF_SHIFT"],
		agg.OpenAlerts,
	)
}
