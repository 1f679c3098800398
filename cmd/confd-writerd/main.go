// Command confd-writerd runs the writer service: it registers every
// database named by its configuration onto a transport bus and serves
// Change calls for them until terminated (spec.md §4.6).
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/confdb/confd/internal/config"
	"github.com/confdb/confd/internal/transport"
	"github.com/confdb/confd/internal/writerservice"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(run(os.Args[1:], os.Environ(), os.Stderr, sigCh))
}

func run(args []string, env []string, errOut io.Writer, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet("confd-writerd", flag.ContinueOnError)
	flagConfig := flags.StringP("config", "c", "", "path to a .hujson daemon config (overrides "+config.ConfigEnvVar+")")
	flagBlame := flags.Bool("blame", false, "enable the transaction blame log")
	flagBlamePath := flags.String("blame-path", "", "path the blame log is written to (required with --blame unless set in config)")
	flags.Usage = func() {}

	if err := flags.Parse(args); err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 2
	}

	path := *flagConfig
	if path == "" {
		path = lookupEnv(env, config.ConfigEnvVar)
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	if *flagBlame || lookupEnv(env, "DCONFD_BLAME") == "1" {
		cfg.Blame = true
	}

	if *flagBlamePath != "" {
		cfg.BlamePath = *flagBlamePath
	}

	if cfg.Blame && cfg.BlamePath == "" {
		fmt.Fprintln(errOut, "error: --blame-path is required with --blame unless set in config")

		return 1
	}

	var blame *writerservice.Blame
	if cfg.Blame {
		blame = writerservice.NewBlame()
	}

	conns := transport.NewConnections()
	bus := conns.Get(transport.SessionBus)
	defer conns.CloseAll() //nolint:errcheck // best-effort on shutdown

	router := writerservice.NewRouter(bus, busUniqueName(), blame)
	defer router.Close() //nolint:errcheck // best-effort on shutdown

	router.SetBlamePath(cfg.BlamePath)

	for _, db := range cfg.Databases {
		if err := router.Register(db.Spec()); err != nil {
			fmt.Fprintln(errOut, "error:", err)

			return 1
		}

		if err := router.Init(db.Name); err != nil {
			fmt.Fprintln(errOut, "error:", err)

			return 1
		}
	}

	fmt.Fprintf(errOut, "confd-writerd: serving %d database(s) on the %s bus\n", len(cfg.Databases), transport.SessionBus)

	<-sigCh

	return 0
}

// busUniqueName stands in for the unique connection name a real bus
// daemon assigns a process on connect (spec.md §4.6 "Tag format");
// confd-writerd picks its own pid-derived name since the in-process
// [transport.Real] bus has no such handshake.
func busUniqueName() string {
	return "confd-writerd:" + strconv.Itoa(os.Getpid())
}

func lookupEnv(env []string, key string) string {
	prefix := key + "="

	for _, e := range env {
		if v, ok := strings.CutPrefix(e, prefix); ok {
			return v
		}
	}

	return ""
}
