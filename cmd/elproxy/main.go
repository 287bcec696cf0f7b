// Command elproxy runs an EchoLink proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"net/http/pprof"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-envparse"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"
	"github.com/w9cv/elproxy/pkg/elproxy"
)

var (
	flagConfig = pflag.StringP("config", "c", "", "Path to a config file (INI or env syntax); overrides the environment")
	flagDebug  = pflag.String("debug-addr", "", "Address for the insecure pprof/metrics debug server")
	flagHelp   = pflag.BoolP("help", "h", false, "Show this help text")
)

func main() {
	pflag.Parse()

	if *flagHelp || pflag.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if *flagHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	env := os.Environ()
	if *flagConfig != "" {
		var err error
		if env, err = loadConfigFile(*flagConfig); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if v, ok := os.LookupEnv("NOTIFY_SOCKET"); ok {
			env = append(env, "NOTIFY_SOCKET="+v)
		}
	}

	var c elproxy.Config
	if err := c.UnmarshalEnv(env, false); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	s, err := elproxy.NewServer(&c)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	if *flagDebug != "" {
		go serveDebug(s, *flagDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go watchSIGHUP(s)

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run server: %w", err)
	}
	return nil
}

func watchSIGHUP(s *elproxy.Server) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	for range ch {
		s.HandleSIGHUP()
	}
}

func serveDebug(s *elproxy.Server, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WriteProcessMetrics(w)
		s.Proxy.WritePrometheus(w)
		if s.Registration != nil {
			s.Registration.WritePrometheus(w)
		}
	})

	fmt.Fprintf(os.Stderr, "warning: running insecure debug server on %q\n", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "warning: debug server: %v\n", err)
	}
}

// loadConfigFile reads a config file as env var assignments: INI files (by
// extension) are mapped through the config key table, anything else is
// parsed as an env file.
func loadConfigFile(name string) ([]string, error) {
	if strings.HasSuffix(name, ".ini") || strings.HasSuffix(name, ".conf") {
		return elproxy.EnvFromINI(name)
	}

	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	kv, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(kv))
	for k, v := range kv {
		env = append(env, k+"="+v)
	}
	return env, nil
}
