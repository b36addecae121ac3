package ippsrv

import (
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"
)

// describeSystem builds the system-attributes group.
func (c *opContext) describeSystem(requested map[string]bool) goipp.Attributes {
	sys := c.sys
	sys.mu.RLock()
	defer sys.mu.RUnlock()

	now := time.Now()
	state := PSIdle
	var reasons Reason
	configured := make([]goipp.Value, 0, len(sys.printers))
	for _, p := range sys.printers {
		p.mu.RLock()
		if s := p.effectiveStateLocked(); s > state {
			state = s
		}
		reasons |= p.reasonsWithDevices()
		p.mu.RUnlock()
		configured = append(configured, goipp.String(p.uri()))
	}

	var attrs goipp.Attributes
	a := adder(&attrs)
	a("system-state", goipp.TagEnum, goipp.Integer(state))
	a("system-state-reasons", goipp.TagKeyword, stringsToValues(reasons.Keywords())...)
	a("system-up-time", goipp.TagInteger, goipp.Integer(uptime(sys.startTime, now)))
	a("system-current-time", goipp.TagDateTime, ippDate(now))
	a("system-config-change-time", goipp.TagInteger, goipp.Integer(uptime(sys.startTime, sys.configTime)))
	a("system-config-change-date-time", goipp.TagDateTime, ippDate(sys.configTime))
	a("system-state-change-time", goipp.TagInteger, goipp.Integer(uptime(sys.startTime, sys.stateTime)))
	a("system-name", goipp.TagName, goipp.String(sys.cfg.Name))
	a("system-info", goipp.TagText, goipp.String(sys.cfg.Info))
	a("system-location", goipp.TagText, goipp.String(sys.cfg.Location))
	if sys.cfg.GeoLocation != "" {
		a("system-geo-location", goipp.TagURI, goipp.String(sys.cfg.GeoLocation))
	}
	a("system-uuid", goipp.TagURI, goipp.String("urn:uuid:"+sys.cfg.UUID))
	if len(configured) > 0 {
		a("system-configured-printers", goipp.TagURI, configured...)
	}
	if sys.cfg.OwnerName != "" {
		a("system-owner-col", goipp.TagBeginCollection, ownerCol(sys.cfg))
	}
	a("charset-configured", goipp.TagCharset, ippUTF8)
	a("charset-supported", goipp.TagCharset, ippUTF8)
	a("natural-language-configured", goipp.TagLanguage, ippENUS)
	a("generated-natural-language-supported", goipp.TagLanguage, ippENUS)
	a("ipp-versions-supported", goipp.TagKeyword, goipp.String("2.0"))

	var out goipp.Attributes
	copyAttributes(&out, attrs, requested, nil)
	return out
}

// ownerCol assembles the system-owner-col collection from the configured
// owner contact details.
func ownerCol(cfg *Config) goipp.Collection {
	var col goipp.Collection
	col.Add(goipp.MakeAttribute("owner-name", goipp.TagName, goipp.String(cfg.OwnerName)))
	if cfg.OwnerEmail != "" {
		col.Add(goipp.MakeAttribute("owner-uri", goipp.TagURI, goipp.String("mailto:"+cfg.OwnerEmail)))
	}
	if cfg.OwnerPhone != "" {
		col.Add(goipp.MakeAttribute("owner-vcard", goipp.TagText, goipp.String(ownerVCard(cfg))))
	}
	return col
}

// ownerVCard renders a minimal VCARD for the system owner.
func ownerVCard(cfg *Config) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCARD\r\nVERSION:4.0\r\n")
	b.WriteString("FN:" + cfg.OwnerName + "\r\n")
	if cfg.OwnerEmail != "" {
		b.WriteString("EMAIL:" + cfg.OwnerEmail + "\r\n")
	}
	if cfg.OwnerPhone != "" {
		b.WriteString("TEL:" + cfg.OwnerPhone + "\r\n")
	}
	if cfg.OwnerLocation != "" {
		b.WriteString("ADR:" + cfg.OwnerLocation + "\r\n")
	}
	b.WriteString("END:VCARD\r\n")
	return b.String()
}

func (c *opContext) getSystemAttributes() error {
	requested := requestedAttributes(c.req.Operation)
	c.addGroup(goipp.TagSystemGroup, c.describeSystem(requested))
	return nil
}

func (c *opContext) getSystemSupportedValues() error {
	var attrs goipp.Attributes
	a := adder(&attrs)
	a("system-settable-attributes-supported", goipp.TagKeyword,
		goipp.String("system-info"), goipp.String("system-location"),
		goipp.String("system-geo-location"))
	c.addGroup(goipp.TagSystemGroup, attrs)
	return nil
}

func (c *opContext) setSystemAttributes() error {
	changes := c.req.System.Clone()
	sys := c.sys
	sys.mu.Lock()
	changed := false
	for _, attr := range changes {
		if len(attr.Values) == 0 {
			continue
		}
		switch attr.Name {
		case "system-info":
			sys.cfg.Info = attr.Values[0].V.String()
		case "system-location":
			sys.cfg.Location = attr.Values[0].V.String()
		case "system-geo-location":
			sys.cfg.GeoLocation = attr.Values[0].V.String()
		default:
			c.unsupported.Add(goipp.MakeAttribute(attr.Name, goipp.TagNotSettable, goipp.Void{}))
			continue
		}
		changed = true
	}
	if changed {
		sys.configTime = time.Now()
	}
	sys.mu.Unlock()
	if changed {
		sys.addEvent(nil, nil, nil, EvtSystemConfigChanged, "System attributes changed.")
	}
	return nil
}

// createPrinter synthesizes a new service from the request's printer
// group.
func (c *opContext) createPrinter() error {
	attrs := c.req.Printer.Clone()
	def := PrinterDef{
		Name:          attrString(attrs, "printer-name", ""),
		Info:          attrString(attrs, "printer-info", ""),
		Location:      attrString(attrs, "printer-location", ""),
		GeoLocation:   attrString(attrs, "printer-geo-location", ""),
		DeviceURI:     attrString(attrs, "smi55357-device-uri", ""),
		Is3D:          attrString(c.req.Operation, "printer-service-type", "print") == "print3d",
		InitAccepting: true,
		Attrs:         attrs,
	}
	if mm := attrString(attrs, "printer-make-and-model", ""); mm != "" {
		if i := strings.IndexByte(mm, ' '); i > 0 {
			def.Make, def.Model = mm[:i], mm[i+1:]
		} else {
			def.Make = mm
		}
	}
	if formats := attrKeywords(attrs, "document-format-supported"); len(formats) > 0 {
		def.Formats = formats
	}
	if def.Name == "" {
		return ippErrorf(goipp.StatusErrorBadRequest, "printer-name required")
	}
	p, err := c.sys.AddPrinter(def)
	if err != nil {
		return ippErrorf(goipp.StatusErrorNotPossible, "%v", err)
	}
	var out goipp.Attributes
	a := adder(&out)
	a("printer-id", goipp.TagInteger, goipp.Integer(p.id))
	a("printer-uri-supported", goipp.TagURI, printerURIs(c.sys, p)...)
	a("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(true))
	a("printer-state", goipp.TagEnum, goipp.Integer(p.State()))
	a("printer-state-reasons", goipp.TagKeyword, goipp.String("none"))
	c.addGroup(goipp.TagPrinterGroup, out)
	return nil
}

func (c *opContext) deletePrinter() error {
	p := c.p
	p.mu.RLock()
	busy := p.procJob != nil
	p.mu.RUnlock()
	if busy {
		return ippErrorf(goipp.StatusErrorBusy, "printer is processing a job")
	}
	c.sys.DeletePrinter(p)
	return nil
}

func (c *opContext) getPrinters() error {
	requested := requestedAttributes(c.req.Operation)
	if requested == nil && !hasAttr(c.req.Operation, "requested-attributes") {
		requested = map[string]bool{
			"printer-id": true, "printer-name": true, "printer-is-accepting-jobs": true,
			"printer-state": true, "printer-state-reasons": true, "printer-uri-supported": true,
			"printer-xri-supported": true,
		}
	}
	limit := attrInt(c.req.Operation, "limit", 0)
	n := 0
	for _, p := range c.sys.Printers() {
		if limit > 0 && n >= limit {
			break
		}
		c.addGroup(goipp.TagPrinterGroup, c.describePrinter(p, requested))
		n++
	}
	return nil
}

// forAllPrinters applies a per-printer handler to every registered
// printer.
func (c *opContext) forAllPrinters(fn func(*opContext) error) error {
	for _, p := range c.sys.Printers() {
		sub := *c
		sub.p = p
		if err := fn(&sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *opContext) shutdownAllPrinters() error {
	if err := c.forAllPrinters((*opContext).shutdownPrinter); err != nil {
		return err
	}
	c.sys.addEvent(nil, nil, nil, EvtSystemStateChanged|EvtSystemStopped, "System shut down.")
	return nil
}

func (c *opContext) startupAllPrinters() error {
	if err := c.forAllPrinters((*opContext).startupPrinter); err != nil {
		return err
	}
	c.sys.addEvent(nil, nil, nil, EvtSystemStateChanged, "System started.")
	return nil
}

func (c *opContext) pauseAllPrinters() error {
	return c.forAllPrinters((*opContext).pausePrinter)
}

func (c *opContext) pauseAllPrintersAfterCurrentJob() error {
	return c.forAllPrinters((*opContext).pausePrinterAfterCurrentJob)
}

func (c *opContext) resumeAllPrinters() error {
	return c.forAllPrinters((*opContext).resumePrinter)
}

func (c *opContext) enableAllPrinters() error {
	return c.forAllPrinters((*opContext).enablePrinter)
}

func (c *opContext) disableAllPrinters() error {
	return c.forAllPrinters((*opContext).disablePrinter)
}

// restartSystem resets every printer and stamps the system state change
// time; the system start time is left unchanged.
func (c *opContext) restartSystem() error {
	if err := c.forAllPrinters((*opContext).restartPrinter); err != nil {
		return err
	}
	c.sys.mu.Lock()
	c.sys.stateTime = time.Now()
	c.sys.mu.Unlock()
	c.sys.addEvent(nil, nil, nil, EvtSystemStateChanged, "System restarted.")
	return nil
}
