// Command qmemmand is the memory-balancing daemon entry point: it loads
// configuration, wires the hypervisor/store backends, and runs the
// watcher and request server concurrently until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/open-xen-project/qmemmand/config"
	"github.com/open-xen-project/qmemmand/hypervisor"
	"github.com/open-xen-project/qmemmand/logging"
	"github.com/open-xen-project/qmemmand/metrics"
	"github.com/open-xen-project/qmemmand/qmemman"
	"github.com/open-xen-project/qmemmand/sdnotify"
	"github.com/open-xen-project/qmemmand/xenstore"
)

func main() {
	configPath := flag.String("config", "/etc/qmemman/qmemman.conf", "path to the INI configuration file")
	foreground := flag.Bool("foreground", false, "also log to stderr")
	logFile := flag.String("log-file", "/var/log/qmemmand/qmemmand.log", "path to the log file")
	xlBinary := flag.String("xl-binary", "", "path to the xl binary (default: resolve \"xl\" from $PATH)")
	xenstoreSocket := flag.String("xenstore-socket", "/var/run/xenstored/socket", "path to the xenstore socket")
	demoMode := flag.Bool("demo", false, "use the procfs-backed read-only hypervisor backend instead of xl/xenstore")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qmemmand: load config: %v\n", err)
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log, err := logging.Setup(logging.Options{Level: level, LogFile: *logFile, Foreground: *foreground})
	if err != nil {
		fmt.Fprintf(os.Stderr, "qmemmand: setup logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hv, store, err := buildBackends(*demoMode, *xlBinary, *xenstoreSocket, log.WithField("source", "hypervisor"))
	if err != nil {
		log.WithError(err).Fatal("failed to initialize hypervisor backend")
	}

	alloc := &qmemman.Allocator{Tuning: cfg.Tuning()}
	state := qmemman.NewState(ctx, hv, store, alloc, cfg.Constants(), log.WithField("source", "state"))

	if err := qmemman.EnsureParentDir(cfg.SocketPath); err != nil {
		log.WithError(err).Fatal("failed to prepare socket directory")
	}
	server, err := qmemman.NewRequestServer(cfg.SocketPath, state, log.WithField("source", "server"))
	if err != nil {
		log.WithError(err).Fatal("failed to bind request socket")
	}
	defer server.Close()

	watcher := qmemman.NewWatcher(state, store, log.WithField("source", "watcher"))

	reg := metrics.New()
	state.SetMetrics(reg)
	if cfg.MetricsListen != "" {
		go serveMetrics(cfg.MetricsListen, reg, log)
	}

	if sent, err := sdnotify.Ready(); err != nil {
		log.WithError(err).Warn("sd_notify failed")
	} else if sent {
		log.Info("notified systemd of readiness")
	}

	errCh := make(chan error, 2)
	go func() { errCh <- watcher.Run(ctx) }()
	go func() { errCh <- server.Serve(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("a daemon subsystem exited unexpectedly")
		}
		stop()
	}
}

// nullStore is a Store that reports every key absent and never fires a
// watch event, used by --demo so the watcher loop has something to block
// on without a real xenstore to talk to.
type nullStore struct{}

func newNullStore() *nullStore { return &nullStore{} }

func (nullStore) Read(ctx context.Context, key string) (string, bool, error) { return "", false, nil }
func (nullStore) Write(ctx context.Context, key, value string) error         { return nil }
func (nullStore) Directory(ctx context.Context, key string) ([]string, error) {
	return nil, nil
}
func (nullStore) Watch(ctx context.Context, key string) (<-chan string, error) {
	return make(chan string), nil
}

func buildBackends(demo bool, xlBinary, xenstoreSocket string, log *logrus.Entry) (qmemman.Hypervisor, qmemman.Store, error) {
	if demo {
		hv, err := hypervisor.NewProcfsHypervisor("/proc")
		if err != nil {
			return nil, nil, err
		}
		return hv, newNullStore(), nil
	}

	client, err := xenstore.Dial(xenstoreSocket)
	if err != nil {
		return nil, nil, err
	}
	return hypervisor.NewXLHypervisor(xlBinary, log), xenstore.NewStoreAdapter(client), nil
}

func serveMetrics(addr string, reg *metrics.Registry, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	log.WithField("addr", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("metrics listener exited")
	}
}
