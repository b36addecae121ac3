package ippsrv

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// advertiser publishes DNS-SD records for every printer: a _printer._tcp
// entry on port 0 for name defense, _ipp._tcp (and _ipps._tcp with TLS)
// on the real port, and an _http._tcp,_printer entry for the web UI.
type advertiser struct {
	sys *System

	mu      sync.Mutex
	entries map[string][]*zeroconf.Server // keyed by printer path
}

const dnssdDomain = "local."

func newAdvertiser(sys *System) (*advertiser, error) {
	return &advertiser{
		sys:     sys,
		entries: make(map[string][]*zeroconf.Server),
	}, nil
}

// txtRecords assembles the service TXT keys from the printer's attribute
// set.
func (a *advertiser) txtRecords(p *Printer, tls bool) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var pdl []string
	for _, f := range attrKeywords(p.attrs, "document-format-supported") {
		if f == "application/octet-stream" {
			continue
		}
		pdl = append(pdl, f)
	}
	uuid := strings.TrimPrefix(attrString(p.attrs, "printer-uuid", ""), "urn:uuid:")
	color := "F"
	if attrBool(p.attrs, "color-supported", false) {
		color = "T"
	}
	duplex := "F"
	if len(attrKeywords(p.attrs, "sides-supported")) > 1 {
		duplex = "T"
	}

	txt := []string{
		"txtvers=1",
		"qtotal=1",
		"rp=" + strings.TrimPrefix(p.path, "/"),
		"ty=" + attrString(p.attrs, "printer-make-and-model", p.name),
		"adminurl=" + attrString(p.attrs, "printer-more-info", ""),
		"note=" + attrString(p.attrs, "printer-location", ""),
		"pdl=" + strings.Join(pdl, ","),
		"kind=document",
		"UUID=" + uuid,
		"Color=" + color,
		"Duplex=" + duplex,
		"URF=" + strings.Join(attrKeywords(p.attrs, "urf-supported"), ","),
	}
	if tls {
		txt = append(txt, "TLS=1.2")
	}
	return txt
}

// publish registers all service entries for a printer, replacing any
// previous registration.
func (a *advertiser) publish(p *Printer) error {
	a.unpublish(p)

	p.mu.RLock()
	name := p.dnssdName
	if p.dnssdSerial > 0 {
		name = fmt.Sprintf("%s %d", p.dnssdName, p.dnssdSerial)
	}
	p.mu.RUnlock()

	port := a.sys.cfg.Listeners[0].Port
	tls := a.sys.cfg.TLS != nil && a.sys.cfg.Encryption != EncryptionNever

	type svc struct {
		kind string
		port int
		txt  []string
	}
	services := []svc{
		// port 0 entry defends the name against legacy LPD printers
		{"_printer._tcp", 0, nil},
		{"_ipp._tcp", port, a.txtRecords(p, false)},
		{"_http._tcp,_printer", port, nil},
	}
	if tls {
		services = append(services, svc{"_ipps._tcp", port, a.txtRecords(p, true)})
	}

	var regs []*zeroconf.Server
	for _, s := range services {
		srv, err := zeroconf.Register(name, s.kind, dnssdDomain, orOne(s.port), s.txt, nil)
		if err != nil {
			for _, r := range regs {
				r.Shutdown()
			}
			return fmt.Errorf("failed to register %s for %q: %w", s.kind, name, err)
		}
		regs = append(regs, srv)
	}

	a.mu.Lock()
	a.entries[p.path] = regs
	a.mu.Unlock()
	slog.Debug("printer advertised", "printer", p.name, "instance", name, "services", len(regs))
	return nil
}

// orOne maps the port-0 name-defense entry to port 1: the zeroconf
// registration rejects port 0 outright, and a port that nothing listens on
// serves the same defensive purpose.
func orOne(port int) int {
	if port == 0 {
		return 1
	}
	return port
}

func (a *advertiser) unpublish(p *Printer) {
	a.mu.Lock()
	regs := a.entries[p.path]
	delete(a.entries, p.path)
	a.mu.Unlock()
	for _, r := range regs {
		r.Shutdown()
	}
}

// Collide flags a name collision for a printer; the housekeeping loop
// re-publishes it under "<name> <serial>".
func (a *advertiser) Collide(p *Printer) {
	p.mu.Lock()
	p.dnssdCollision = true
	p.dnssdSerial++
	p.mu.Unlock()
	slog.Info("DNS-SD name collision", "printer", p.name, "serial", p.dnssdSerial)
}

// republishCollided re-registers every printer whose collision flag is
// set. Runs from the housekeeping loop.
func (a *advertiser) republishCollided() {
	for _, p := range a.sys.Printers() {
		p.mu.Lock()
		collided := p.dnssdCollision
		p.dnssdCollision = false
		p.mu.Unlock()
		if !collided {
			continue
		}
		if err := a.publish(p); err != nil {
			slog.Error("failed to re-advertise printer", "printer", p.name, "error", err)
		}
	}
}

func (a *advertiser) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, regs := range a.entries {
		for _, r := range regs {
			r.Shutdown()
		}
	}
	a.entries = nil
}

// requestDNSSDUpdate re-advertises a printer after a name, port or TLS
// change.
func (sys *System) requestDNSSDUpdate(p *Printer) {
	if sys.dnssd == nil {
		return
	}
	if err := sys.dnssd.publish(p); err != nil {
		slog.Error("failed to update advertisement", "printer", p.name, "error", err)
	}
}
