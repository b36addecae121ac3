package ippsrv

import (
	"strings"

	"github.com/OpenPrinting/goipp"
)

// deviceUUIDFromRequest extracts and normalizes output-device-uuid.
func (c *opContext) deviceUUIDFromRequest() (string, error) {
	raw := attrString(c.req.Operation, "output-device-uuid", "")
	if raw == "" {
		return "", ippErrorf(goipp.StatusErrorBadRequest, "output-device-uuid required")
	}
	return strings.TrimPrefix(raw, "urn:uuid:"), nil
}

func (c *opContext) registerOutputDevice() error {
	uuid, err := c.deviceUUIDFromRequest()
	if err != nil {
		return err
	}
	dev, err := c.p.registerDevice(uuid)
	if err != nil {
		return err
	}
	c.sys.addEvent(c.p, nil, nil, EvtPrinterConfigChanged, "Output device registered.")
	var out goipp.Attributes
	a := adder(&out)
	a("output-device-uuid", goipp.TagURI, goipp.String("urn:uuid:"+dev.uuid))
	a("printer-uri-supported", goipp.TagURI, printerURIs(c.sys, c.p)...)
	c.addGroup(goipp.TagPrinterGroup, out)
	c.p.kickScheduler()
	return nil
}

func (c *opContext) deregisterOutputDevice() error {
	uuid, err := c.deviceUUIDFromRequest()
	if err != nil {
		return err
	}
	if !c.p.deregisterDevice(uuid) {
		return errDeviceNotFound
	}
	c.sys.addEvent(c.p, nil, nil, EvtPrinterConfigChanged, "Output device deregistered.")
	return nil
}

func (c *opContext) updateOutputDeviceAttributes() error {
	uuid, err := c.deviceUUIDFromRequest()
	if err != nil {
		return err
	}
	delta := c.req.Printer.Clone()
	changed, err := c.p.updateDevice(uuid, delta)
	if err != nil {
		return err
	}
	if changed {
		c.sys.addEvent(c.p, nil, nil, EvtPrinterStateChanged, "Output device state changed.")
	}
	return nil
}

func (c *opContext) getOutputDeviceAttributes() error {
	uuid, err := c.deviceUUIDFromRequest()
	if err != nil {
		return err
	}
	dev, ok := c.p.device(uuid)
	if !ok {
		return errDeviceNotFound
	}
	requested := requestedAttributes(c.req.Operation)
	c.addGroup(goipp.TagPrinterGroup, c.p.describeDevice(dev, requested))
	return nil
}

// fetchableJob returns the job targeted by job-id if it is fetchable by
// this device, or, when no id is given, the first fetchable job in active
// order (highest priority first, newest first within a priority).
func (c *opContext) fetchableJob(uuid string) (*Job, error) {
	if id := attrInt(c.req.Operation, "job-id", 0); id > 0 {
		j := c.p.JobByID(id)
		if j == nil {
			return nil, errJobNotFound
		}
		j.mu.RLock()
		ok := j.reasons&JRJobFetchable != 0 && (j.fetched == "" || j.fetched == uuid)
		j.mu.RUnlock()
		if !ok {
			return nil, errNotFetchable
		}
		return j, nil
	}
	for _, j := range c.p.snapshotJobs("not-completed") {
		j.mu.RLock()
		ok := j.reasons&JRJobFetchable != 0 && (j.fetched == "" || j.fetched == uuid)
		j.mu.RUnlock()
		if ok {
			return j, nil
		}
	}
	return nil, errNotFetchable
}

// fetchJob hands a fetchable job's attributes to the requesting device and
// reserves the job for it.
func (c *opContext) fetchJob() error {
	uuid, err := c.deviceUUIDFromRequest()
	if err != nil {
		return err
	}
	if _, ok := c.p.device(uuid); !ok {
		return errDeviceNotFound
	}
	j, err := c.fetchableJob(uuid)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.fetched = uuid
	attrs := j.describeLocked(nil, nil)
	j.mu.Unlock()
	c.addGroup(goipp.TagJobGroup, attrs)
	return nil
}

// acknowledgeJob confirms the device took ownership: the job transitions
// to processing.
func (c *opContext) acknowledgeJob() error {
	uuid, err := c.deviceUUIDFromRequest()
	if err != nil {
		return err
	}
	j, err := c.jobFromRequest()
	if err != nil {
		return err
	}
	j.mu.Lock()
	if j.fetched != uuid {
		j.mu.Unlock()
		return errNotFetchable
	}
	if j.state == JobPending {
		j.reasons &^= JRJobFetchable
		_ = j.transitionLocked(jobEvtProcess)
	}
	j.mu.Unlock()

	c.p.mu.Lock()
	if c.p.procJob == nil {
		c.p.procJob = j
	}
	c.p.setStateLocked(PSProcessing)
	c.p.mu.Unlock()
	c.sys.addEvent(c.p, j, nil, EvtJobStateChanged, "Job acknowledged by output device.")
	return nil
}

// fetchDocument streams a spooled document back to the device after the
// IPP response.
func (c *opContext) fetchDocument() error {
	uuid, err := c.deviceUUIDFromRequest()
	if err != nil {
		return err
	}
	j, err := c.jobFromRequest()
	if err != nil {
		return err
	}
	j.mu.RLock()
	fetched := j.fetched
	num := attrInt(c.req.Operation, "document-number", 1)
	d := j.documentLocked(num)
	j.mu.RUnlock()
	if fetched != uuid {
		return errNotFetchable
	}
	if d == nil {
		return &ippError{status: goipp.StatusErrorNotFound, message: "document not found"}
	}

	a := adder(&c.opAttrs)
	a("document-format", goipp.TagMimeType, goipp.String(d.format))
	a("document-number", goipp.TagInteger, goipp.Integer(d.seq))
	c.docFile = d.path
	return nil
}

// updateJobStatus applies the device-reported job state.
func (c *opContext) updateJobStatus() error {
	uuid, err := c.deviceUUIDFromRequest()
	if err != nil {
		return err
	}
	j, err := c.jobFromRequest()
	if err != nil {
		return err
	}
	j.mu.Lock()
	if j.fetched != uuid {
		j.mu.Unlock()
		return errNotFetchable
	}
	state := JobState(attrInt(c.req.Operation, "output-device-job-state", 0))
	if imp := attrInt(c.req.Operation, "job-impressions-completed", -1); imp >= 0 {
		j.impcompleted = imp
	}
	var evt string
	switch state {
	case JobCompleted:
		evt = jobEvtFinish
	case JobCanceled:
		evt = jobEvtCancel
	case JobAborted:
		evt = jobEvtAbort
	case JobStopped:
		evt = jobEvtStop
	case JobProcessing:
		if j.state == JobPending {
			j.reasons &^= JRJobFetchable
			evt = jobEvtProcess
		}
	}
	var terminal bool
	if evt != "" && !j.terminalLocked() {
		_ = j.transitionLocked(evt)
		terminal = j.terminalLocked()
	}
	j.mu.Unlock()

	if terminal {
		c.p.mu.Lock()
		c.p.retireLocked(j)
		if c.p.state == PSProcessing && c.p.procJob == nil {
			c.p.setStateLocked(PSIdle)
		}
		c.p.mu.Unlock()
		c.sys.spool.remove(j)
		c.sys.addEvent(c.p, j, nil, EvtJobStateChanged|EvtJobCompleted, "Job completed by output device.")
	} else {
		c.sys.addEvent(c.p, j, nil, EvtJobStateChanged, "Job status updated by output device.")
	}
	return nil
}

// acknowledgeDocument confirms the device took a document for processing.
func (c *opContext) acknowledgeDocument() error {
	uuid, err := c.deviceUUIDFromRequest()
	if err != nil {
		return err
	}
	j, d, err := c.docFromRequest()
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fetched != uuid {
		return errNotFetchable
	}
	if d.state == JobPending {
		d.state = JobProcessing
	}
	return nil
}

// updateDocumentStatus applies the device-reported document state.
func (c *opContext) updateDocumentStatus() error {
	uuid, err := c.deviceUUIDFromRequest()
	if err != nil {
		return err
	}
	j, d, err := c.docFromRequest()
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fetched != uuid {
		return errNotFetchable
	}
	if state := JobState(attrInt(c.req.Operation, "output-device-document-state", 0)); state != 0 {
		d.state = state
	}
	return nil
}

// acknowledgeIdentifyPrinter delivers (and clears) pending identify
// actions to the device.
func (c *opContext) acknowledgeIdentifyPrinter() error {
	if _, err := c.deviceUUIDFromRequest(); err != nil {
		return err
	}
	c.p.mu.Lock()
	actions := c.p.identifyActions
	c.p.identifyActions = nil
	c.p.reasons &^= ReasonIdentifyRequested
	c.p.mu.Unlock()
	if len(actions) == 0 {
		return errNotPossible
	}
	a := adder(&c.opAttrs)
	var kws []goipp.Value
	for _, action := range actions {
		if msg, ok := strings.CutPrefix(action, "message="); ok {
			a("message", goipp.TagText, goipp.String(msg))
			continue
		}
		kws = append(kws, goipp.String(action))
	}
	if len(kws) > 0 {
		a("identify-actions", goipp.TagKeyword, kws...)
	}
	return nil
}

// updateActiveJobs reconciles the device's view of its jobs with the
// server's: for each job the device lists in job-ids that it fetched and
// whose server state differs from the reported one, the job id and the
// server's state are returned. Fetched jobs the device does not list are
// not reported.
func (c *opContext) updateActiveJobs() error {
	uuid, err := c.deviceUUIDFromRequest()
	if err != nil {
		return err
	}
	if _, ok := c.p.device(uuid); !ok {
		return errDeviceNotFound
	}
	deviceJobs := make(map[int]JobState)
	if ids, ok := findAttr(c.req.Operation, "job-ids"); ok {
		states, _ := findAttr(c.req.Operation, "output-device-job-states")
		for i, v := range ids {
			id, ok := v.V.(goipp.Integer)
			if !ok {
				continue
			}
			st := JobProcessing
			if states != nil && i < len(states) {
				if sv, ok := states[i].V.(goipp.Integer); ok {
					st = JobState(sv)
				}
			}
			deviceJobs[int(id)] = st
		}
	}

	// Listed jobs fetched by this device whose server state differs are
	// reported back with the server's state.
	var differing []goipp.Value
	var states []goipp.Value
	for _, j := range c.p.snapshotJobs("all") {
		j.mu.RLock()
		fetchedHere := j.fetched == uuid
		state := j.state
		j.mu.RUnlock()
		if !fetchedHere {
			continue
		}
		if devState, ok := deviceJobs[j.id]; ok && devState != state {
			differing = append(differing, goipp.Integer(j.id))
			states = append(states, goipp.Integer(state))
		}
	}
	if len(differing) > 0 {
		a := adder(&c.opAttrs)
		a("job-ids", goipp.TagInteger, differing...)
		a("output-device-job-states", goipp.TagEnum, states...)
	}
	return nil
}
