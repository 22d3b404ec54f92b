package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/concourse-go/concourse/pkg/engine"
	"github.com/concourse-go/concourse/pkg/logging"
	"github.com/concourse-go/concourse/pkg/metrics"
)

type startOptions struct {
	bufferRoot   string
	databaseRoot string
	environments []string
	metricsAddr  string
	logLevel     string
}

func cmdStart(out, errOut *os.File, args []string) int {
	opts, code := parseStartFlags(errOut, args)
	if code != 0 {
		return code
	}

	logging.Init(logging.Config{Level: logging.Level(opts.logLevel), JSONOutput: true, Output: out})
	log := logging.WithComponent("concoursed")

	cfg := engine.DefaultConfig()
	cfg.BufferRoot = opts.bufferRoot
	cfg.DatabaseRoot = opts.databaseRoot

	eng := engine.New(cfg)
	for _, name := range opts.environments {
		if err := eng.Open(name); err != nil {
			fmt.Fprintf(errOut, "concoursed: opening environment %q: %v\n", name, err)
			return 1
		}
	}

	if err := eng.Start(); err != nil {
		fmt.Fprintf(errOut, "concoursed: starting engine: %v\n", err)
		return 1
	}
	log.Info().Strs("environments", opts.environments).Msg("engine started")

	var metricsServer *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: opts.metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		log.Info().Str("addr", opts.metricsAddr).Msg("metrics server listening")
	}

	<-installSignalStop()
	log.Info().Msg("shutdown signal received")

	if metricsServer != nil {
		_ = metricsServer.Close()
	}
	if err := eng.Stop(); err != nil {
		fmt.Fprintf(errOut, "concoursed: stopping engine: %v\n", err)
		return 1
	}
	return 0
}

func parseStartFlags(errOut io.Writer, args []string) (startOptions, int) {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	bufferRoot := fs.String("buffer-root", "data/buffer", "Parent directory for per-environment Buffer state")
	databaseRoot := fs.String("db-root", "data/db", "Parent directory for per-environment Database state")
	environments := fs.StringSlice("environment", []string{"default"}, "Environment name to open (repeatable)")
	metricsAddr := fs.String("metrics-addr", "", "Address to serve Prometheus metrics on (empty disables)")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return startOptions{}, 2
	}

	if len(*environments) == 0 || (len(*environments) == 1 && strings.TrimSpace((*environments)[0]) == "") {
		fmt.Fprintln(errOut, "error: at least one --environment is required")
		return startOptions{}, 2
	}

	return startOptions{
		bufferRoot:   *bufferRoot,
		databaseRoot: *databaseRoot,
		environments: *environments,
		metricsAddr:  *metricsAddr,
		logLevel:     *logLevel,
	}, 0
}
