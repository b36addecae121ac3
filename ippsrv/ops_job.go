package ippsrv

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"
)

// jobTicketFromRequest extracts the job attribute group of a creation
// request (Create-Job, Print-Job, Validate-Job).
func jobTicketFromRequest(req *goipp.Message) goipp.Attributes {
	return req.Job.Clone()
}

// createJobObject builds and registers a job on the target printer,
// applying MaxJobs, hold-new-jobs and the job-hold-until ticket attribute.
func (c *opContext) createJobObject(ticket goipp.Attributes, format string) (*Job, error) {
	p := c.p

	p.mu.RLock()
	accepting := p.accepting
	p.mu.RUnlock()
	if !accepting {
		return nil, ippErrorf(goipp.StatusErrorNotAcceptingJobs, "printer is not accepting jobs")
	}
	if err := c.validateFormat(format); err != nil {
		return nil, err
	}
	if err := c.validateJobTicket(ticket); err != nil {
		return nil, err
	}

	jobName := attrString(c.req.Operation, "job-name", "")
	if jobName == "" {
		jobName = attrString(ticket, "job-name", "untitled")
	}

	p.mu.Lock()
	if max := c.sys.cfg.MaxJobs; max > 0 && p.activeCountLocked() >= max {
		p.mu.Unlock()
		return nil, ippErrorf(goipp.StatusErrorTooManyJobs, "too many jobs")
	}
	p.nextJobID++
	j := newJob(p, p.nextJobID, jobName, c.requester(), format, ticket)
	p.jobs[j.id] = j
	p.insertActiveLocked(j)
	holdNew := p.holdNew
	p.mu.Unlock()

	hold := attrString(ticket, "job-hold-until", "")
	switch {
	case holdNew || hold == "indefinite":
		j.mu.Lock()
		j.holdKeyword = "indefinite"
		_ = j.transitionLocked(jobEvtHold)
		j.mu.Unlock()
	case hold != "" && hold != "no-hold":
		// Named time period: held until released or the period elapses.
		j.mu.Lock()
		j.holdKeyword = hold
		j.holdUntil = time.Now().Add(time.Hour)
		_ = j.transitionLocked(jobEvtHold)
		j.mu.Unlock()
	}

	c.sys.addEvent(p, j, nil, EvtJobCreated, "Job created.")
	return j, nil
}

// respondJob adds the standard job-attributes group of a creation
// response.
func (c *opContext) respondJob(j *Job) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var attrs goipp.Attributes
	a := adder(&attrs)
	a("job-id", goipp.TagInteger, goipp.Integer(j.id))
	a("job-uri", goipp.TagURI, goipp.String(j.uri()))
	a("job-state", goipp.TagEnum, goipp.Integer(j.state))
	a("job-state-reasons", goipp.TagKeyword, stringsToValues(j.reasons.Keywords())...)
	if j.message != "" {
		a("job-state-message", goipp.TagText, goipp.String(j.message))
	}
	c.addGroup(goipp.TagJobGroup, attrs)
}

// jobFromRequest resolves the target job from job-id or job-uri.
func (c *opContext) jobFromRequest() (*Job, error) {
	if id := attrInt(c.req.Operation, "job-id", 0); id > 0 {
		if j := c.p.JobByID(id); j != nil {
			return j, nil
		}
		return nil, errJobNotFound
	}
	if uri := attrString(c.req.Operation, "job-uri", ""); uri != "" {
		var id int
		if i := strings.LastIndexByte(uri, '/'); i >= 0 {
			fmt.Sscanf(uri[i+1:], "%d", &id)
		}
		if j := c.p.JobByID(id); j != nil {
			return j, nil
		}
		return nil, errJobNotFound
	}
	return nil, ippErrorf(goipp.StatusErrorBadRequest, "job-id or job-uri required")
}

// spoolBody writes a document data stream as the job's next document.
func (c *opContext) spoolBody(j *Job, docName, format string, data io.Reader) (*Document, error) {
	j.mu.Lock()
	j.reasons |= JRJobIncoming
	seq := len(j.docs) + 1
	j.mu.Unlock()

	if docName == "" {
		docName = fmt.Sprintf("document-%d", seq)
	}
	path, n, err := c.sys.spool.create(c.p, j, docName, format, data)
	if err != nil {
		return nil, ippErrorf(goipp.StatusErrorInternal, "failed to spool document: %v", err)
	}
	if n == 0 {
		os.Remove(path)
		j.mu.Lock()
		j.reasons &^= JRJobIncoming
		j.mu.Unlock()
		return nil, ippErrorf(goipp.StatusErrorBadRequest, "empty document")
	}

	doc := &Document{seq: seq, name: docName, format: format, path: path, state: JobPending}
	j.mu.Lock()
	j.docs = append(j.docs, doc)
	j.reasons &^= JRJobIncoming | JRJobDataInsufficient
	j.mu.Unlock()
	c.sys.addEvent(c.p, j, nil, EvtDocumentCreated, "Document created.")
	return doc, nil
}

// abortNewJob retires a job whose submission failed mid-flight.
func (c *opContext) abortNewJob(j *Job) {
	j.mu.Lock()
	_ = j.transitionLocked(jobEvtAbort)
	j.mu.Unlock()
	c.p.mu.Lock()
	c.p.retireLocked(j)
	c.p.mu.Unlock()
}

// --- operation handlers ---

// validateJob checks creation attributes without creating a job.
func (c *opContext) validateJob() error {
	format := attrString(c.req.Operation, "document-format", "")
	if err := c.validateFormat(format); err != nil {
		return err
	}
	return c.validateJobTicket(jobTicketFromRequest(c.req))
}

func (c *opContext) printJob() error {
	format := attrString(c.req.Operation, "document-format", "application/octet-stream")
	j, err := c.createJobObject(jobTicketFromRequest(c.req), format)
	if err != nil {
		return err
	}
	docName := attrString(c.req.Operation, "document-name", j.name)
	if _, err := c.spoolBody(j, docName, format, c.body); err != nil {
		c.abortNewJob(j)
		return err
	}
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	c.p.kickScheduler()
	c.respondJob(j)
	return nil
}

func (c *opContext) printURI() error {
	uri := attrString(c.req.Operation, "document-uri", "")
	if uri == "" {
		return ippErrorf(goipp.StatusErrorBadRequest, "document-uri required")
	}
	format := attrString(c.req.Operation, "document-format", formatForName(uri))
	j, err := c.createJobObject(jobTicketFromRequest(c.req), format)
	if err != nil {
		return err
	}
	body, err := fetchDocumentURI(uri)
	if err != nil {
		c.abortNewJob(j)
		return ippErrorf(goipp.StatusErrorDocumentAccess, "failed to fetch %s: %v", uri, err)
	}
	defer body.Close()
	if _, err := c.spoolBody(j, uri, format, body); err != nil {
		c.abortNewJob(j)
		return err
	}
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	c.p.kickScheduler()
	c.respondJob(j)
	return nil
}

func (c *opContext) createJob() error {
	format := attrString(c.req.Operation, "document-format", "")
	j, err := c.createJobObject(jobTicketFromRequest(c.req), format)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.reasons |= JRJobDataInsufficient
	j.mu.Unlock()
	c.respondJob(j)
	return nil
}

func (c *opContext) sendDocument() error {
	j, err := c.jobFromRequest()
	if err != nil {
		return err
	}
	if err := c.checkOwner(j.username); err != nil {
		return err
	}
	j.mu.RLock()
	closed, terminal := j.closed, j.terminalLocked()
	j.mu.RUnlock()
	if terminal || closed {
		return errNotPossible
	}

	last := attrBool(c.req.Operation, "last-document", false)
	format := attrString(c.req.Operation, "document-format", "application/octet-stream")
	if err := c.validateFormat(format); err != nil {
		return err
	}
	docName := attrString(c.req.Operation, "document-name", "")

	// An empty final body just closes the job.
	if _, err := c.spoolBody(j, docName, format, c.body); err != nil {
		var ie *ippError
		if last && asIPPError(err, &ie) && ie.status == goipp.StatusErrorBadRequest {
			// empty last document: close only
		} else {
			return err
		}
	}
	if last {
		j.mu.Lock()
		j.closed = true
		hasDocs := len(j.docs) > 0
		j.mu.Unlock()
		if !hasDocs {
			c.abortNewJob(j)
			return ippErrorf(goipp.StatusErrorBadRequest, "job has no documents")
		}
		c.p.kickScheduler()
	}
	c.respondJob(j)
	return nil
}

func (c *opContext) sendURI() error {
	j, err := c.jobFromRequest()
	if err != nil {
		return err
	}
	if err := c.checkOwner(j.username); err != nil {
		return err
	}
	uri := attrString(c.req.Operation, "document-uri", "")
	if uri == "" {
		return ippErrorf(goipp.StatusErrorBadRequest, "document-uri required")
	}
	format := attrString(c.req.Operation, "document-format", formatForName(uri))
	body, err := fetchDocumentURI(uri)
	if err != nil {
		j.mu.RLock()
		terminal := j.terminalLocked()
		j.mu.RUnlock()
		if !terminal {
			c.abortNewJob(j)
		}
		return ippErrorf(goipp.StatusErrorDocumentAccess, "failed to fetch %s: %v", uri, err)
	}
	defer body.Close()
	if _, err := c.spoolBody(j, uri, format, body); err != nil {
		return err
	}
	if attrBool(c.req.Operation, "last-document", false) {
		j.mu.Lock()
		j.closed = true
		j.mu.Unlock()
		c.p.kickScheduler()
	}
	c.respondJob(j)
	return nil
}

func (c *opContext) closeJob() error {
	j, err := c.jobFromRequest()
	if err != nil {
		return err
	}
	if err := c.checkOwner(j.username); err != nil {
		return err
	}
	j.mu.Lock()
	if j.terminalLocked() {
		j.mu.Unlock()
		return errNotPossible
	}
	j.closed = true
	hasDocs := len(j.docs) > 0
	j.mu.Unlock()
	if !hasDocs {
		c.abortNewJob(j)
		return nil
	}
	c.p.kickScheduler()
	c.respondJob(j)
	return nil
}

// cancelJobObject performs the shared cancellation flow: immediate
// transition for queued jobs, SIGTERM + processing-to-stop-point for a
// processing job.
func (sys *System) cancelJobObject(p *Printer, j *Job, reason JobReason) error {
	j.mu.Lock()
	switch {
	case j.terminalLocked():
		j.mu.Unlock()
		return errNotPossible
	case j.state == JobProcessing || j.state == JobStopped:
		j.cancel = true
		j.reasons |= JRProcessingToStopPoint
		if reason != 0 {
			j.reasons |= reason
		}
		sig := j.signal
		j.mu.Unlock()
		if sig != nil {
			sig()
		}
		// The scheduler completes the transition when the command exits.
	default:
		j.cancel = true
		if reason != 0 {
			j.reasons |= reason
		}
		_ = j.transitionLocked(jobEvtCancel)
		j.mu.Unlock()
		p.mu.Lock()
		p.retireLocked(j)
		p.mu.Unlock()
		sys.spool.remove(j)
		sys.addEvent(p, j, nil, EvtJobStateChanged|EvtJobCompleted, "Job canceled.")
	}
	return nil
}

func (c *opContext) cancelJob() error {
	j, err := c.jobFromRequest()
	if err != nil {
		return err
	}
	if err := c.checkOwner(j.username); err != nil {
		return err
	}
	return c.sys.cancelJobObject(c.p, j, JRJobCanceledByUser)
}

func (c *opContext) cancelCurrentJob() error {
	c.p.mu.RLock()
	j := c.p.procJob
	c.p.mu.RUnlock()
	if j == nil {
		return errNotPossible
	}
	return c.sys.cancelJobObject(c.p, j, JRJobCanceledByUser)
}

func (c *opContext) cancelMyJobs() error {
	me := c.requester()
	for _, j := range c.p.snapshotJobs("not-completed") {
		j.mu.RLock()
		mine := j.username == me
		j.mu.RUnlock()
		if mine {
			_ = c.sys.cancelJobObject(c.p, j, JRJobCanceledByUser)
		}
	}
	return nil
}

func (c *opContext) cancelJobs() error {
	for _, j := range c.p.snapshotJobs("not-completed") {
		_ = c.sys.cancelJobObject(c.p, j, 0)
	}
	return nil
}

func (c *opContext) holdJob() error {
	j, err := c.jobFromRequest()
	if err != nil {
		return err
	}
	if err := c.checkOwner(j.username); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != JobPending {
		return errNotPossible
	}
	j.holdKeyword = attrString(c.req.Operation, "job-hold-until", "indefinite")
	return j.transitionLocked(jobEvtHold)
}

func (c *opContext) releaseJob() error {
	j, err := c.jobFromRequest()
	if err != nil {
		return err
	}
	if err := c.checkOwner(j.username); err != nil {
		return err
	}
	j.mu.Lock()
	if j.state != JobHeld {
		j.mu.Unlock()
		return errNotPossible
	}
	err = j.transitionLocked(jobEvtRelease)
	j.mu.Unlock()
	if err != nil {
		return err
	}
	c.sys.addEvent(c.p, j, nil, EvtJobStateChanged, "Job released.")
	c.p.kickScheduler()
	return nil
}

func (c *opContext) restartJob() error {
	j, err := c.jobFromRequest()
	if err != nil {
		return err
	}
	if err := c.checkOwner(j.username); err != nil {
		return err
	}
	j.mu.Lock()
	if !j.terminalLocked() {
		j.mu.Unlock()
		return errNotPossible
	}
	// Restarting requires the documents to still be spooled.
	for _, d := range j.docs {
		if _, err := os.Stat(d.path); err != nil {
			j.mu.Unlock()
			return ippErrorf(goipp.StatusErrorNotPossible, "job documents no longer available")
		}
	}
	err = j.transitionLocked(jobEvtRestart)
	j.mu.Unlock()
	if err != nil {
		return err
	}
	c.p.mu.Lock()
	c.p.completed = removeJob(c.p.completed, j)
	c.p.insertActiveLocked(j)
	c.p.mu.Unlock()
	c.sys.addEvent(c.p, j, nil, EvtJobStateChanged, "Job restarted.")
	c.p.kickScheduler()
	return nil
}

func (c *opContext) getJobAttributes() error {
	j, err := c.jobFromRequest()
	if err != nil {
		return err
	}
	requested := requestedAttributes(c.req.Operation)
	redact := redactionFor(c.sys.cfg.JobPrivacy, c.requester(), j.username, c.isAdmin())
	j.mu.RLock()
	attrs := j.describeLocked(requested, redact)
	j.mu.RUnlock()
	c.addGroup(goipp.TagJobGroup, attrs)
	return nil
}

func (c *opContext) getJobs() error {
	which := attrString(c.req.Operation, "which-jobs", "not-completed")
	limit := attrInt(c.req.Operation, "limit", 0)
	mine := attrBool(c.req.Operation, "my-jobs", false)
	requested := requestedAttributes(c.req.Operation)
	if requested == nil && !hasAttr(c.req.Operation, "requested-attributes") {
		requested = map[string]bool{"job-id": true, "job-uri": true}
	}
	me := c.requester()

	n := 0
	for _, j := range c.p.snapshotJobs(which) {
		j.mu.RLock()
		owner := j.username
		j.mu.RUnlock()
		if mine && owner != me {
			continue
		}
		if limit > 0 && n >= limit {
			break
		}
		redact := redactionFor(c.sys.cfg.JobPrivacy, me, owner, c.isAdmin())
		j.mu.RLock()
		attrs := j.describeLocked(requested, redact)
		j.mu.RUnlock()
		c.addGroup(goipp.TagJobGroup, attrs)
		n++
	}
	return nil
}

func (c *opContext) setJobAttributes() error {
	j, err := c.jobFromRequest()
	if err != nil {
		return err
	}
	if err := c.checkOwner(j.username); err != nil {
		return err
	}
	j.mu.Lock()
	if j.terminalLocked() {
		j.mu.Unlock()
		return errNotPossible
	}
	j.mu.Unlock()
	changes := c.req.Job.Clone()
	if err := c.validateJobTicket(changes); err != nil {
		return err
	}
	j.mu.Lock()
	for _, attr := range changes {
		switch attr.Name {
		case "job-id", "job-uri", "job-state", "job-state-reasons":
			c.unsupported.Add(goipp.MakeAttribute(attr.Name, goipp.TagNotSettable, goipp.Void{}))
			continue
		case "job-priority":
			if v, ok := firstInt(attr); ok {
				j.priority = v
			}
		case "job-name":
			if len(attr.Values) > 0 {
				j.name = attr.Values[0].V.String()
			}
		}
		replaceTicketAttr(&j.attrs, attr)
	}
	j.mu.Unlock()
	c.sys.addEvent(c.p, j, nil, EvtJobConfigChanged, "Job attributes changed.")
	return nil
}

func replaceTicketAttr(attrs *goipp.Attributes, attr goipp.Attribute) {
	for i, a := range *attrs {
		if a.Name == attr.Name {
			(*attrs)[i] = attr
			return
		}
	}
	attrs.Add(attr)
}

// --- document operations ---

func (c *opContext) docFromRequest() (*Job, *Document, error) {
	j, err := c.jobFromRequest()
	if err != nil {
		return nil, nil, err
	}
	num := attrInt(c.req.Operation, "document-number", 1)
	j.mu.RLock()
	d := j.documentLocked(num)
	j.mu.RUnlock()
	if d == nil {
		return nil, nil, &ippError{status: goipp.StatusErrorNotFound, message: "document not found"}
	}
	return j, d, nil
}

func (c *opContext) getDocumentAttributes() error {
	j, d, err := c.docFromRequest()
	if err != nil {
		return err
	}
	requested := requestedAttributes(c.req.Operation)
	j.mu.RLock()
	attrs := describeDocument(j, d, requested)
	j.mu.RUnlock()
	c.addGroup(goipp.TagDocumentGroup, attrs)
	return nil
}

func (c *opContext) getDocuments() error {
	j, err := c.jobFromRequest()
	if err != nil {
		return err
	}
	requested := requestedAttributes(c.req.Operation)
	j.mu.RLock()
	for _, d := range j.docs {
		c.addGroup(goipp.TagDocumentGroup, describeDocument(j, d, requested))
	}
	j.mu.RUnlock()
	return nil
}

func (c *opContext) setDocumentAttributes() error {
	j, d, err := c.docFromRequest()
	if err != nil {
		return err
	}
	if err := c.checkOwner(j.username); err != nil {
		return err
	}
	changes := c.req.Document.Clone()
	j.mu.Lock()
	for _, attr := range changes {
		switch attr.Name {
		case "document-number", "document-state", "document-job-id":
			c.unsupported.Add(goipp.MakeAttribute(attr.Name, goipp.TagNotSettable, goipp.Void{}))
			continue
		}
		replaceTicketAttr(&d.attrs, attr)
	}
	j.mu.Unlock()
	c.sys.addEvent(c.p, j, nil, EvtDocumentConfigChanged, "Document attributes changed.")
	return nil
}

func (c *opContext) cancelDocument() error {
	j, d, err := c.docFromRequest()
	if err != nil {
		return err
	}
	if err := c.checkOwner(j.username); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	switch d.state {
	case JobCanceled, JobAborted, JobCompleted:
		return errNotPossible
	}
	d.state = JobCanceled
	if len(j.docs) == 1 && !j.terminalLocked() && j.state != JobProcessing {
		// canceling the only document cancels the job
		_ = j.transitionLocked(jobEvtCancel)
	}
	return nil
}

func (c *opContext) validateDocument() error {
	format := attrString(c.req.Operation, "document-format", "")
	return c.validateFormat(format)
}

// fetchDocumentURI retrieves a Print-URI / Send-URI document. Only http
// and https targets are fetched; an unreachable target aborts the job at
// the caller.
func fetchDocumentURI(uri string) (io.ReadCloser, error) {
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return nil, fmt.Errorf("unsupported document-uri scheme")
	}
	httpc := &http.Client{Timeout: time.Minute}
	resp, err := httpc.Get(uri)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}

func asIPPError(err error, target **ippError) bool {
	ie, ok := err.(*ippError)
	if ok {
		*target = ie
	}
	return ok
}
