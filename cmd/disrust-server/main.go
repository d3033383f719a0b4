// Command disrust-server runs the TCP inference server described in
// SPEC_FULL.md: an io_uring network loop in front of a lock-free request
// ring, a pure per-vector reducer, and a response ring with eventfd
// wakeup.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sriggin/disrust/internal/config"
	"github.com/sriggin/disrust/internal/metrics"
	"github.com/sriggin/disrust/internal/server"
)

func main() {
	port := flag.Uint("port", config.DefaultPort, "TCP port to listen on")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus /metrics on (disabled if empty)")
	ioThreads := flag.Int("io-threads", 1, "number of IO threads (reference configuration is 1)")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(uint16(*port), *metricsAddr, *ioThreads, log); err != nil {
		log.WithError(err).Error("exiting")
		os.Exit(1)
	}
}

func run(port uint16, metricsAddr string, ioThreads int, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()

	srv, err := server.New(server.Options{
		Port:         port,
		NumIOThreads: ioThreads,
		Log:          log,
		Metrics:      reg,
	})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	go metrics.RunStdoutSnapshot(ctx, reg, 10*time.Second, log)

	if metricsAddr != "" {
		promReg := metrics.NewPrometheusRegistry(reg)
		go func() {
			if err := metrics.ServeHTTP(ctx, metricsAddr, promReg); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	log.WithFields(logrus.Fields{"port": port, "io_threads": ioThreads}).Info("listening")
	return srv.Run(ctx)
}
