// proxytwisterd is the proxy-twister daemon: it serves one or more
// HTTP/HTTPS forward-proxy listeners routed by a hot-reloadable policy file,
// plus a read-only admin API exposing status, Prometheus metrics, and a
// live event stream.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mlesin/proxy-twister/internal/adminapi"
	"github.com/mlesin/proxy-twister/internal/epoch"
	"github.com/mlesin/proxy-twister/internal/events"
	"github.com/mlesin/proxy-twister/internal/metrics"
	"github.com/mlesin/proxy-twister/internal/policystore"
	"github.com/mlesin/proxy-twister/internal/server"
)

// listenAddrs collects repeated -listen flags.
type listenAddrs []string

func (l *listenAddrs) String() string { return strings.Join(*l, ",") }
func (l *listenAddrs) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("CRITICAL PANIC RECOVERED: %v", r)
			time.Sleep(2 * time.Second)
			os.Exit(2)
		}
	}()

	var (
		configPath = flag.String("config", "", "path to the policy file (required)")
		adminAddr  = flag.String("admin", "", "admin API listen address (e.g. 127.0.0.1:9880); disabled if empty")
		logFile    = flag.String("log-file", "", "additionally write logs to this file")
		listeners  listenAddrs
	)
	flag.Var(&listeners, "listen", "client listen address (host:port); repeatable, default 127.0.0.1:1080")
	flag.Parse()

	if *configPath == "" {
		log.Println("proxy-twister: --config is required")
		os.Exit(1)
	}
	if len(listeners) == 0 {
		listeners = append(listeners, "127.0.0.1:1080")
	}

	writers := []io.Writer{os.Stdout}
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("proxy-twister: failed to open log file %s: %v", *logFile, err)
		} else {
			defer f.Close()
			writers = append(writers, f)
		}
	}
	log.SetOutput(io.MultiWriter(writers...))

	raw, err := os.ReadFile(*configPath)
	if err != nil {
		log.Printf("proxy-twister: reading policy file: %v", err)
		os.Exit(1)
	}
	initial, err := policystore.Parse(raw)
	if err != nil {
		log.Printf("proxy-twister: parsing policy file: %v", err)
		os.Exit(1)
	}

	cell := policystore.NewCell(initial)
	holder := epoch.NewHolder()
	bus := events.NewBus(256)
	defer bus.Close()
	m := metrics.New()

	bus.Subscribe(func(ev events.Event) {
		log.Printf("[%s] %+v", ev.EventType(), ev)
	})

	watcher := policystore.NewWatcher(*configPath, cell, holder, bus, m)
	shutdown := make(chan struct{})
	watcherDone := make(chan error, 1)
	go func() { watcherDone <- watcher.Run(shutdown) }()

	srv := server.New(cell, holder, bus, m)
	if err := srv.ListenAndServe(listeners); err != nil {
		log.Printf("proxy-twister: failed to bind a listener: %v", err)
		close(shutdown)
		os.Exit(1)
	}
	log.Printf("proxy-twister: listening on %s", strings.Join(listeners, ", "))

	var admin *adminapi.Server
	if *adminAddr != "" {
		admin = adminapi.New(*adminAddr, bus, m)
		if err := admin.Start(); err != nil {
			log.Printf("proxy-twister: admin API failed to start: %v", err)
		} else {
			log.Printf("proxy-twister: admin API listening on %s", admin.Addr())
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("proxy-twister: shutting down")

	close(shutdown)
	srv.Shutdown()
	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := admin.Stop(ctx); err != nil {
			log.Printf("proxy-twister: admin API shutdown: %v", err)
		}
		cancel()
	}
	<-watcherDone

	log.Println("proxy-twister: goodbye")
}
