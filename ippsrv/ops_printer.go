package ippsrv

import (
	"time"

	"github.com/OpenPrinting/goipp"
)

// describePrinter builds the printer-attributes group: the synthesized
// static set plus the dynamic status attributes.
func (c *opContext) describePrinter(p *Printer, requested map[string]bool) goipp.Attributes {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	var attrs goipp.Attributes
	a := adder(&attrs)
	a("printer-state", goipp.TagEnum, goipp.Integer(p.effectiveStateLocked()))
	a("printer-state-reasons", goipp.TagKeyword, stringsToValues(p.reasonsWithDevices().Keywords())...)
	a("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(p.accepting))
	a("printer-up-time", goipp.TagInteger, goipp.Integer(uptime(p.sys.startTime, now)))
	a("printer-current-time", goipp.TagDateTime, ippDate(now))
	a("printer-config-change-time", goipp.TagInteger, goipp.Integer(uptime(p.sys.startTime, p.configTime)))
	a("printer-config-change-date-time", goipp.TagDateTime, ippDate(p.configTime))
	a("printer-state-change-time", goipp.TagInteger, goipp.Integer(uptime(p.sys.startTime, p.stateTime)))
	a("printer-state-change-date-time", goipp.TagDateTime, ippDate(p.stateTime))
	a("queued-job-count", goipp.TagInteger, goipp.Integer(len(p.active)))
	a("printer-id", goipp.TagInteger, goipp.Integer(p.id))
	a("printer-dns-sd-name", goipp.TagName, goipp.String(p.dnssdName))
	if p.procJob != nil {
		a("printer-message-from-operator", goipp.TagText, goipp.String(""))
	}
	if len(p.devices) > 0 {
		uuids := make([]goipp.Value, 0, len(p.devices))
		for id := range p.devices {
			uuids = append(uuids, goipp.String("urn:uuid:"+id))
		}
		a("output-device-uuid-supported", goipp.TagURI, uuids...)
	}

	var out goipp.Attributes
	copyAttributes(&out, attrs, requested, nil)
	copyAttributes(&out, p.attrs, requested, nil)
	return out
}

func (c *opContext) getPrinterAttributes() error {
	requested := requestedAttributes(c.req.Operation)
	c.addGroup(goipp.TagPrinterGroup, c.describePrinter(c.p, requested))
	return nil
}

// getPrinterSupportedValues reports the settable attributes and the values
// Set-Printer-Attributes accepts for them.
func (c *opContext) getPrinterSupportedValues() error {
	var attrs goipp.Attributes
	a := adder(&attrs)
	a("printer-settable-attributes-supported", goipp.TagKeyword, stringsToValues(printerSettable)...)
	a("printer-geo-location", goipp.TagAdminDefine, goipp.Void{})
	a("printer-info", goipp.TagAdminDefine, goipp.Void{})
	a("printer-location", goipp.TagAdminDefine, goipp.Void{})
	a("printer-organization", goipp.TagAdminDefine, goipp.Void{})
	a("printer-organizational-unit", goipp.TagAdminDefine, goipp.Void{})
	c.addGroup(goipp.TagPrinterGroup, attrs)
	return nil
}

var printerSettable = []string{
	"printer-geo-location",
	"printer-info",
	"printer-location",
	"printer-organization",
	"printer-organizational-unit",
}

func (c *opContext) setPrinterAttributes() error {
	changes := c.req.Printer.Clone()
	settable := make(map[string]bool, len(printerSettable))
	for _, name := range printerSettable {
		settable[name] = true
	}
	c.p.mu.Lock()
	changed := false
	for _, attr := range changes {
		if !settable[attr.Name] {
			c.unsupported.Add(goipp.MakeAttribute(attr.Name, goipp.TagNotSettable, goipp.Void{}))
			continue
		}
		replaceTicketAttr(&c.p.attrs, attr)
		changed = true
	}
	if changed {
		c.p.configTime = time.Now()
	}
	c.p.mu.Unlock()
	if changed {
		c.sys.addEvent(c.p, nil, nil, EvtPrinterConfigChanged, "Printer attributes changed.")
		c.sys.requestDNSSDUpdate(c.p)
	}
	return nil
}

func (c *opContext) pausePrinter() error {
	p := c.p
	p.mu.Lock()
	p.reasons |= ReasonPaused
	p.reasons &^= ReasonMovingToPaused
	if p.state != PSProcessing {
		p.setStateLocked(PSStopped)
	} else {
		// stops once the current job completes; the scheduler checks the
		// paused bit
		p.reasons |= ReasonMovingToPaused
	}
	p.mu.Unlock()
	c.sys.addEvent(p, nil, nil, EvtPrinterStateChanged|EvtPrinterStopped, "Printer paused.")
	return nil
}

func (c *opContext) pausePrinterAfterCurrentJob() error {
	p := c.p
	p.mu.Lock()
	if p.state == PSProcessing {
		p.reasons |= ReasonMovingToPaused
	} else {
		p.reasons |= ReasonPaused
		p.setStateLocked(PSStopped)
	}
	p.mu.Unlock()
	c.sys.addEvent(p, nil, nil, EvtPrinterStateChanged, "Printer pausing.")
	return nil
}

func (c *opContext) resumePrinter() error {
	p := c.p
	p.mu.Lock()
	p.reasons &^= ReasonPaused | ReasonMovingToPaused
	if p.state == PSStopped {
		p.setStateLocked(PSIdle)
	}
	p.mu.Unlock()
	c.sys.addEvent(p, nil, nil, EvtPrinterStateChanged, "Printer resumed.")
	p.kickScheduler()
	return nil
}

func (c *opContext) enablePrinter() error {
	c.p.mu.Lock()
	c.p.accepting = true
	c.p.stateTime = time.Now()
	c.p.mu.Unlock()
	c.sys.addEvent(c.p, nil, nil, EvtPrinterStateChanged, "Printer enabled.")
	return nil
}

func (c *opContext) disablePrinter() error {
	c.p.mu.Lock()
	c.p.accepting = false
	c.p.stateTime = time.Now()
	c.p.mu.Unlock()
	c.sys.addEvent(c.p, nil, nil, EvtPrinterStateChanged, "Printer disabled.")
	return nil
}

// holdNewJobs holds jobs submitted from now on; jobs already pending are
// left queued, per the Infrastructure Printer semantics.
func (c *opContext) holdNewJobs() error {
	c.p.mu.Lock()
	c.p.holdNew = true
	c.p.mu.Unlock()
	c.sys.addEvent(c.p, nil, nil, EvtPrinterConfigChanged, "Holding new jobs.")
	return nil
}

func (c *opContext) releaseHeldNewJobs() error {
	c.p.mu.Lock()
	c.p.holdNew = false
	held := make([]*Job, 0)
	for _, j := range c.p.active {
		held = append(held, j)
	}
	c.p.mu.Unlock()
	for _, j := range held {
		j.mu.Lock()
		if j.state == JobHeld && j.holdKeyword == "indefinite" {
			_ = j.transitionLocked(jobEvtRelease)
		}
		j.mu.Unlock()
	}
	c.sys.addEvent(c.p, nil, nil, EvtPrinterConfigChanged, "Released held jobs.")
	c.p.kickScheduler()
	return nil
}

func (c *opContext) restartPrinter() error {
	p := c.p
	p.mu.Lock()
	p.reasons = ReasonNone
	p.setStateLocked(PSIdle)
	p.startTime = time.Now()
	p.mu.Unlock()
	c.sys.addEvent(p, nil, nil, EvtPrinterRestarted, "Printer restarted.")
	c.sys.requestDNSSDUpdate(p)
	p.kickScheduler()
	return nil
}

func (c *opContext) shutdownPrinter() error {
	p := c.p
	p.mu.Lock()
	p.accepting = false
	p.reasons |= ReasonPaused
	p.setStateLocked(PSStopped)
	p.mu.Unlock()
	c.sys.addEvent(p, nil, nil, EvtPrinterShutdown|EvtPrinterStateChanged, "Printer shut down.")
	return nil
}

func (c *opContext) startupPrinter() error {
	p := c.p
	p.mu.Lock()
	p.accepting = true
	p.reasons &^= ReasonPaused | ReasonMovingToPaused
	p.setStateLocked(PSIdle)
	p.startTime = time.Now()
	p.mu.Unlock()
	c.sys.addEvent(p, nil, nil, EvtPrinterStateChanged, "Printer started.")
	p.kickScheduler()
	return nil
}

// identifyPrinter records the requested identify actions; a registered
// output device picks them up with Acknowledge-Identify-Printer, a local
// printer just logs.
func (c *opContext) identifyPrinter() error {
	actions := attrKeywords(c.req.Operation, "identify-actions")
	if len(actions) == 0 {
		actions = []string{"sound"}
	}
	msg := attrString(c.req.Operation, "message", "")
	c.p.mu.Lock()
	c.p.identifyActions = actions
	if msg != "" {
		c.p.identifyActions = append(c.p.identifyActions, "message="+msg)
	}
	c.p.reasons |= ReasonIdentifyRequested
	c.p.mu.Unlock()
	c.sys.addEvent(c.p, nil, nil, EvtPrinterStateChanged, "Identify-Printer requested.")
	return nil
}
