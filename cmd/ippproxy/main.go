// Command ippproxy relays jobs from an IPP Infrastructure Printer to a
// local device: it registers an output device, polls for fetchable jobs,
// pulls their documents and reports state back.
//
// Usage:
//
//	ippproxy -d socket://10.0.0.5 -u user -p password ipp://host:631/ipp/print/name
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rusq/osenv/v2"

	"github.com/rusq/ippserver/proxy"
)

var (
	deviceURI = flag.String("d", "", "local device `uri` (socket:// or ipp://)")
	username  = flag.String("u", "", "authentication `user`")
	password  = flag.String("p", osenv.Secret("IPPPROXY_PASSWORD", ""), "authentication `password`")
	verbose   = flag.Bool("v", osenv.Value("DEBUG", "") != "", "verbose logging")
)

func init() {
	flag.Usage = func() {
		w := flag.CommandLine.Output()
		fmt.Fprintf(w, "Usage: %s [flags] <printer-uri>\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 || *deviceURI == "" {
		flag.Usage()
		os.Exit(1)
	}
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := proxy.New(flag.Arg(0), *deviceURI, *username, *password)
	if err != nil {
		log.Fatal(err)
	}
	slog.Info("starting proxy", "printer", flag.Arg(0), "device", *deviceURI, "uuid", agent.UUID())
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}
