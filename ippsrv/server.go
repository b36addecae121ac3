package ippsrv

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/google/uuid"
)

// Encryption is the process-wide TLS policy.
type Encryption int

const (
	EncryptionIfRequested Encryption = iota
	EncryptionNever
	EncryptionRequired
	EncryptionAlways
)

// ParseEncryption parses the Encryption configuration directive.
func ParseEncryption(s string) (Encryption, error) {
	switch strings.ToLower(s) {
	case "ifrequested":
		return EncryptionIfRequested, nil
	case "never":
		return EncryptionNever, nil
	case "required":
		return EncryptionRequired, nil
	case "always":
		return EncryptionAlways, nil
	}
	return 0, fmt.Errorf("unknown encryption policy %q", s)
}

// PrivacyPolicy controls which attributes a requester outside the scope may
// observe on jobs, documents and subscriptions.
type PrivacyPolicy struct {
	Attributes []string // keyword set; "all", "default", "none" are special
	Scope      string   // all, default, owner, none
}

// privacySet expands the policy into the set of attribute names to redact.
func (p PrivacyPolicy) privacySet() map[string]bool {
	set := make(map[string]bool)
	for _, kw := range p.Attributes {
		switch kw {
		case "none":
			return nil
		case "all":
			return map[string]bool{"*": true}
		case "default":
			for _, name := range defaultPrivacyAttributes {
				set[name] = true
			}
		default:
			set[kw] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

var defaultPrivacyAttributes = []string{
	"job-name",
	"job-originating-host-name",
	"job-originating-user-name",
	"job-originating-user-uri",
	"document-name",
	"document-format",
	"notify-subscriber-user-name",
	"notify-subscriber-user-uri",
}

// AuthConfig is the HTTP authentication configuration.
type AuthConfig struct {
	Enabled       bool
	Type          string // basic
	Realm         string
	TestPassword  string
	Service       string // external verifier command (PAM-style helper)
	AdminGroup    string
	OperatorGroup string
	ProxyGroup    string
	Groups        []string
}

// Listener is one configured listen address.
type Listener struct {
	Host string
	Port int
}

func (l Listener) addr() string {
	return net.JoinHostPort(l.Host, fmt.Sprint(l.Port))
}

// Config is the immutable server configuration assembled at startup from
// system.conf and the command line.
type Config struct {
	Name        string // system name
	Hostname    string // advertised host name
	Info        string
	Location    string
	GeoLocation string
	UUID        string

	OwnerName     string
	OwnerEmail    string
	OwnerLocation string
	OwnerPhone    string

	DataDir   string
	SpoolDir  string
	StateDir  string
	BinDir    string
	FileDirs  []string
	KeepFiles bool

	DefaultPrinter   string
	MaxJobs          int
	MaxCompletedJobs int
	JobRetention     time.Duration
	ShutdownGrace    time.Duration

	Listeners  []Listener
	Encryption Encryption
	TLS        *tls.Config

	Auth AuthConfig

	DocumentPrivacy     PrivacyPolicy
	JobPrivacy          PrivacyPolicy
	SubscriptionPrivacy PrivacyPolicy

	LogLevel slog.Level
}

// System is the runtime: the printer registry, the subscription bus, the
// resource store, the HTTP servers and the housekeeping loops.
type System struct {
	cfg *Config

	mu        sync.RWMutex // guards printers map and system times
	printers  map[string]*Printer
	nextPrnID int

	startTime  time.Time
	configTime time.Time
	stateTime  time.Time

	handlers map[goipp.Op]opHandler

	subs  *subscriptionBus
	res   *resourceStore
	spool *spool
	dnssd *advertiser

	httpSrv  *http.Server
	httpsSrv *http.Server

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs a System from the configuration.
func New(cfg *Config) (*System, error) {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []Listener{{Host: "", Port: 631}}
	}
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewSHA1(uuid.NameSpaceDNS, []byte(cfg.Hostname+"/"+cfg.Name)).String()
	}
	sp, err := newSpool(cfg.SpoolDir, cfg.KeepFiles)
	if err != nil {
		return nil, err
	}
	sys := &System{
		cfg:       cfg,
		printers:  make(map[string]*Printer),
		startTime: time.Now(),
		subs:      newSubscriptionBus(),
		res:       newResourceStore(sp.dir),
		spool:     sp,
		shutdown:  make(chan struct{}),
	}
	sys.configTime = sys.startTime
	sys.stateTime = sys.startTime
	sys.handlers = sys.operationHandlers()
	return sys, nil
}

// Config returns the server configuration.
func (sys *System) Config() *Config { return sys.cfg }

// printerURI builds a printer URI for the first listener and the given
// scheme.
func (sys *System) printerURI(p *Printer, scheme string) string {
	port := 631
	if len(sys.cfg.Listeners) > 0 {
		port = sys.cfg.Listeners[0].Port
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, sys.cfg.Hostname, port, p.path)
}

// AddPrinter creates a printer from its definition, synthesizes the
// attribute set and starts its scheduler.
func (sys *System) AddPrinter(def PrinterDef) (*Printer, error) {
	if def.Name == "" {
		return nil, errors.New("printer name cannot be empty")
	}
	prefix := "/ipp/print/"
	if def.Is3D {
		prefix = "/ipp/print3d/"
	}
	path := prefix + def.Name

	sys.mu.Lock()
	if _, exists := sys.printers[path]; exists {
		sys.mu.Unlock()
		return nil, fmt.Errorf("printer %q already exists", def.Name)
	}
	sys.nextPrnID++
	id := sys.nextPrnID
	sys.mu.Unlock()

	now := time.Now()
	state := def.InitState
	if state == 0 {
		state = PSIdle
	}
	p := &Printer{
		sys:        sys,
		id:         id,
		name:       def.Name,
		path:       path,
		dnssdName:  def.Name,
		state:      state,
		reasons:    def.InitReasons,
		accepting:  def.InitAccepting,
		command:    def.Command,
		deviceURI:  def.DeviceURI,
		formats:    def.Formats,
		pin:        def.PIN,
		is3D:       def.Is3D,
		webforms:   def.WebForms,
		icon:       def.Icon,
		strings:    def.Strings,
		authPrint:  def.AuthPrintGrp,
		authProxy:  def.AuthProxyGrp,
		startTime:  now,
		configTime: now,
		stateTime:  now,
		jobs:       make(map[int]*Job),
		devices:    make(map[string]*OutputDevice),
		maxDevices: def.MaxDevices,
		kick:       make(chan struct{}, 1),
		shutdown:   make(chan struct{}),
	}
	p.outputFormat = def.OutputFormat
	p.attrs = synthesizeAttrs(sys, p, def)

	for _, file := range def.Strings {
		res, err := sys.res.register(file, "text/strings", "static-strings", "")
		if err == nil {
			_ = sys.res.addUse(res.id)
			p.resources = append(p.resources, res.id)
		}
	}
	for _, file := range def.Profiles {
		res, err := sys.res.register(file, "application/vnd.iccprofile", "static-icc-profile", "")
		if err == nil {
			_ = sys.res.addUse(res.id)
			p.resources = append(p.resources, res.id)
		}
	}

	sys.mu.Lock()
	sys.printers[path] = p
	sys.configTime = time.Now()
	sys.mu.Unlock()

	sys.wg.Add(1)
	go func() {
		defer sys.wg.Done()
		sys.schedulerLoop(p)
	}()

	if sys.dnssd != nil {
		if err := sys.dnssd.publish(p); err != nil {
			slog.Error("failed to advertise printer", "printer", p.name, "error", err)
		}
	}
	sys.addEvent(p, nil, nil, EvtPrinterCreated, "Printer created.")
	slog.Info("printer added", "printer", p.name, "path", path, "id", id)
	return p, nil
}

// DeletePrinter tears a printer down: its subscriptions are dropped, its
// resource allocations released, its scheduler stopped.
func (sys *System) DeletePrinter(p *Printer) {
	sys.addEvent(p, nil, nil, EvtPrinterDeleted, "Printer deleted.")
	sys.mu.Lock()
	delete(sys.printers, p.path)
	sys.configTime = time.Now()
	sys.mu.Unlock()

	close(p.shutdown)
	sys.subs.dropBound(p, nil)

	p.mu.Lock()
	resources := append([]int(nil), p.resources...)
	p.resources = nil
	p.mu.Unlock()
	for _, id := range resources {
		sys.res.release(id)
	}
	if sys.dnssd != nil {
		sys.dnssd.unpublish(p)
	}
	slog.Info("printer deleted", "printer", p.name)
}

// Printer returns the printer registered at the given resource path.
func (sys *System) Printer(path string) (*Printer, bool) {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	p, ok := sys.printers[path]
	return p, ok
}

// PrinterByName finds a printer by name across the print and print3d
// prefixes.
func (sys *System) PrinterByName(name string) (*Printer, bool) {
	if p, ok := sys.Printer("/ipp/print/" + name); ok {
		return p, true
	}
	return sys.Printer("/ipp/print3d/" + name)
}

// Printers returns all printers ordered by resource path.
func (sys *System) Printers() []*Printer {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	out := make([]*Printer, 0, len(sys.printers))
	for _, p := range sys.printers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// ListenAndServe starts the HTTP (and, when TLS material is configured,
// HTTPS) listeners, the DNS-SD advertiser and the housekeeping loops, then
// blocks until ctx is canceled or a listener fails.
func (sys *System) ListenAndServe(ctx context.Context) error {
	if sys.cfg.Encryption == EncryptionAlways && sys.cfg.TLS == nil {
		return errors.New("Encryption Always requires TLS key material")
	}
	handler := sys.Routes()

	errC := make(chan error, 2)

	if sys.cfg.Encryption != EncryptionAlways {
		sys.httpSrv = &http.Server{
			Addr:        sys.cfg.Listeners[0].addr(),
			Handler:     handler,
			ReadTimeout: 30 * time.Second,
		}
		go func() { errC <- sys.httpSrv.ListenAndServe() }()
	}
	if sys.cfg.TLS != nil && sys.cfg.Encryption != EncryptionNever {
		port := sys.cfg.Listeners[0].Port
		if sys.cfg.Encryption != EncryptionAlways {
			port++ // conventional ipps port next to the plain listener
		}
		sys.httpsSrv = &http.Server{
			Addr:        net.JoinHostPort(sys.cfg.Listeners[0].Host, fmt.Sprint(port)),
			Handler:     handler,
			TLSConfig:   sys.cfg.TLS,
			ReadTimeout: 30 * time.Second,
		}
		go func() { errC <- sys.httpsSrv.ListenAndServeTLS("", "") }()
	}

	adv, err := newAdvertiser(sys)
	if err != nil {
		slog.Error("DNS-SD advertiser unavailable", "error", err)
	} else {
		sys.dnssd = adv
		for _, p := range sys.Printers() {
			if err := adv.publish(p); err != nil {
				slog.Error("failed to advertise printer", "printer", p.name, "error", err)
			}
		}
	}

	sys.wg.Add(2)
	go func() {
		defer sys.wg.Done()
		sys.housekeeping()
	}()
	go func() {
		defer sys.wg.Done()
		sys.subscriptionSweeper()
	}()

	slog.Info("system started", "name", sys.cfg.Name, "listen", sys.cfg.Listeners[0].addr(),
		"printers", len(sys.Printers()))

	select {
	case <-ctx.Done():
		return sys.Shutdown(context.Background())
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// housekeeping runs the 30-second maintenance tick: stale job sweep and
// deferred DNS-SD re-registration after a name collision.
func (sys *System) housekeeping() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sys.shutdown:
			return
		case now := <-ticker.C:
			sys.sweepJobs(now)
			if sys.dnssd != nil {
				sys.dnssd.republishCollided()
			}
		}
	}
}

// Shutdown stops listeners, schedulers and background loops, persists
// printer state and removes the spool.
func (sys *System) Shutdown(ctx context.Context) error {
	var errs error
	sys.closeOnce.Do(func() {
		slog.Info("shutting down")
		sys.addEvent(nil, nil, nil, EvtSystemStopped, "System shutting down.")

		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		for _, srv := range []*http.Server{sys.httpSrv, sys.httpsSrv} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(sctx); err != nil {
				errs = errors.Join(errs, err)
			}
		}
		for _, p := range sys.Printers() {
			select {
			case <-p.shutdown:
			default:
				close(p.shutdown)
			}
		}
		close(sys.shutdown)

		sys.subs.mu.Lock()
		sys.subs.closed = true
		sys.subs.cond.Broadcast()
		sys.subs.mu.Unlock()

		if sys.dnssd != nil {
			sys.dnssd.close()
		}
		if sys.cfg.StateDir != "" {
			if err := sys.persistState(); err != nil {
				errs = errors.Join(errs, err)
			}
		}
		if err := sys.spool.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
		sys.wg.Wait()
		slog.Info("shutdown complete")
	})
	return errs
}
