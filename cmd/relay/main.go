package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"

	"goa.design/relay/config"
	"goa.design/relay/proxy"
)

const version = "1.0.0"

func main() {
	var (
		configF = flag.String("config", os.Getenv("RELAY_CONFIG"), "Path to YAML configuration file")
		hostF   = flag.String("host", "", "Listen host (overrides configuration)")
		portF   = flag.String("port", "", "Listen port (overrides configuration)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *hostF != "" {
		cfg.Host = *hostF
	}
	if *portF != "" {
		port, err := strconv.Atoi(*portF)
		if err != nil {
			log.Fatalf(ctx, err, "invalid port %q", *portF)
		}
		cfg.Port = port
	}
	cfg.Debug = cfg.Debug || *dbgF

	p := proxy.New(cfg.Proxy(version))

	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
		if cfg.Debug {
			debug.MountPprofHandlers(debug.Adapt(mux))
			debug.MountDebugLogEnabler(debug.Adapt(mux))
		}
		mux.Handle("GET", "/healthz", health.Handler(health.NewChecker()))
		p.Mount(mux)
	}

	var handler http.Handler = mux
	if cfg.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)
	handler = httpmdlwr.RequestID()(handler)

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", addr)
		errc <- srv.ListenAndServe()
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf(ctx, "failed to shutdown: %v", err)
	}
	if async := p.Async(); async != nil {
		async.Drain()
	}
	log.Printf(ctx, "exited")
}
