// Command ippserver runs the IPP system service: multi-printer IPP over
// HTTP with DNS-SD advertisement, event notifications and infrastructure
// proxy support.
//
// With -C it loads a configuration directory (system.conf plus print/ and
// print3d/ printer files); without it the single-printer flags build one
// service, the way a quick test deployment wants it.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/rusq/osenv/v2"

	"github.com/rusq/ippserver/conf"
	"github.com/rusq/ippserver/ippsrv"
)

type cliFlags struct {
	confDir string
	keyDir  string
	verbose bool
	logJSON bool

	// single-printer mode
	print3D  bool
	make_    string
	model    string
	pin      bool
	attrs    string
	command  string
	dataDir  string
	formats  string
	icon     string
	keep     bool
	location string
	host     string
	port     int
	subtype  string
	speed    string
	userPass string
	name     string
}

var cliflags cliFlags

func init() {
	flag.StringVar(&cliflags.confDir, "C", "", "configuration `directory`")
	flag.StringVar(&cliflags.keyDir, "K", "", "TLS key and certificate `directory`")
	flag.BoolVar(&cliflags.verbose, "v", osenv.Value("DEBUG", "") != "", "verbose logging")
	flag.BoolVar(&cliflags.logJSON, "log-json", osenv.Value("JSON_LOG", "") != "", "log in JSON format")

	flag.BoolVar(&cliflags.print3D, "2", false, "single printer is a 3D printer")
	flag.StringVar(&cliflags.make_, "M", "Example", "printer `make` (single-printer mode)")
	flag.StringVar(&cliflags.model, "m", "Printer", "printer `model` (single-printer mode)")
	flag.BoolVar(&cliflags.pin, "P", false, "enable PIN printing")
	flag.StringVar(&cliflags.attrs, "a", "", "attributes `file` with ATTR records")
	flag.StringVar(&cliflags.command, "c", "", "print `command`")
	flag.StringVar(&cliflags.dataDir, "d", "", "data/spool `directory`")
	flag.StringVar(&cliflags.formats, "f", "application/pdf,image/jpeg,image/pwg-raster", "supported `formats`")
	flag.StringVar(&cliflags.icon, "i", "", "printer icon `file` (PNG)")
	flag.BoolVar(&cliflags.keep, "k", false, "keep spooled documents")
	flag.StringVar(&cliflags.location, "l", "", "printer `location`")
	flag.StringVar(&cliflags.host, "n", "", "advertised `hostname`")
	flag.IntVar(&cliflags.port, "p", 8631, "listen `port`")
	flag.StringVar(&cliflags.subtype, "r", "_print", "DNS-SD `subtype`")
	flag.StringVar(&cliflags.speed, "s", "10", "pages per minute (`speed[,color-speed]`)")
	flag.StringVar(&cliflags.userPass, "u", "", "`user:password` for Basic authentication")
	flag.StringVar(&cliflags.name, "printer", "ipp-everywhere", "printer `name` (single-printer mode)")
}

func main() {
	flag.Parse()
	setupLogging(cliflags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cliflags); err != nil {
		log.Fatal(err)
	}
}

func setupLogging(f cliFlags) {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	var h slog.Handler
	if f.logJSON {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(h))
}

func run(ctx context.Context, f cliFlags) error {
	cfg, defs, err := loadConfig(f)
	if err != nil {
		return err
	}
	if f.verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	if f.keyDir != "" {
		tlsCfg, err := loadTLS(f.keyDir)
		if err != nil {
			return fmt.Errorf("failed to load TLS material: %w", err)
		}
		cfg.TLS = tlsCfg
	}

	sys, err := ippsrv.New(cfg)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if _, err := sys.AddPrinter(def); err != nil {
			return err
		}
	}
	if len(sys.Printers()) == 0 {
		return fmt.Errorf("no printers configured")
	}

	if f.verbose {
		printSummary(sys)
	}
	return sys.ListenAndServe(ctx)
}

func loadConfig(f cliFlags) (*ippsrv.Config, []ippsrv.PrinterDef, error) {
	if f.confDir != "" {
		return conf.Load(f.confDir)
	}

	cfg := conf.Defaults()
	cfg.Listeners = []ippsrv.Listener{{Host: "", Port: f.port}}
	if f.host != "" {
		cfg.Hostname = f.host
	}
	cfg.KeepFiles = f.keep
	cfg.SpoolDir = f.dataDir
	if user, pass, ok := strings.Cut(f.userPass, ":"); ok {
		cfg.Auth.Enabled = true
		cfg.Auth.TestPassword = pass
		_ = user // the test password applies to any user name
	}

	var speed, speedColor int
	if s, c, ok := strings.Cut(f.speed, ","); ok {
		fmt.Sscanf(s, "%d", &speed)
		fmt.Sscanf(c, "%d", &speedColor)
	} else {
		fmt.Sscanf(f.speed, "%d", &speed)
	}
	def := ippsrv.PrinterDef{
		Name:          f.name,
		Make:          f.make_,
		Model:         f.model,
		Location:      f.location,
		Command:       f.command,
		Formats:       strings.Split(f.formats, ","),
		PIN:           f.pin,
		Speed:         speed,
		SpeedColor:    speedColor,
		Icon:          f.icon,
		Is3D:          f.print3D,
		Duplex:        true,
		InitAccepting: true,
	}
	if f.attrs != "" {
		loaded, err := conf.LoadPrinter(f.attrs, f.print3D)
		if err != nil {
			return nil, nil, err
		}
		def.Attrs = loaded.Attrs
	}
	return cfg, []ippsrv.PrinterDef{def}, nil
}

func loadTLS(dir string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(dir, "server.crt"),
		filepath.Join(dir, "server.key"),
	)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func printSummary(sys *ippsrv.System) {
	cfg := sys.Config()
	pterm.DefaultSection.Println("IPP Server")
	rows := pterm.TableData{{"Printer", "Path", "ID"}}
	for _, p := range sys.Printers() {
		rows = append(rows, []string{p.Name(), p.Path(), fmt.Sprint(p.ID())})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		slog.Debug("failed to render summary", "error", err)
	}
	pterm.Info.Printfln("listening on %s:%d", cfg.Hostname, cfg.Listeners[0].Port)
}
