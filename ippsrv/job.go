package ippsrv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/looplab/fsm"
)

// JobState represents the job-state attribute.
// https://datatracker.ietf.org/doc/html/rfc8011#section-5.3.7
type JobState int32

const (
	JobPending JobState = iota + 3
	JobHeld
	JobProcessing
	JobStopped
	JobCanceled
	JobAborted
	JobCompleted
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobHeld:
		return "pending-held"
	case JobProcessing:
		return "processing"
	case JobStopped:
		return "processing-stopped"
	case JobCanceled:
		return "canceled"
	case JobAborted:
		return "aborted"
	case JobCompleted:
		return "completed"
	}
	return fmt.Sprintf("JobState(%d)", int32(s))
}

// JobReason is a bitfield of job-state-reasons keywords.
type JobReason uint32

const (
	JRJobIncoming JobReason = 1 << iota
	JRJobDataInsufficient
	JRDocumentAccessError
	JRJobHeldUntilSpecified
	JRJobQueued
	JRJobPrinting
	JRJobCanceledByUser
	JRJobCanceledAtDevice
	JRAbortedBySystem
	JRUnsupportedDocumentFormat
	JRDocumentFormatError
	JRProcessingToStopPoint
	JRJobCompletedSuccessfully
	JRJobCompletedWithWarnings
	JRJobCompletedWithErrors
	JRJobFetchable
	JRJobSpooling
	JRJobPasswordWait
	JRDocumentPermissionError
	JRDocumentUnprintableError
	JRErrorsDetected
	JRWarningsDetected

	JRNone JobReason = 0
)

var jobReasonStrings = []string{
	"job-incoming",
	"job-data-insufficient",
	"document-access-error",
	"job-held-until-specified",
	"job-queued",
	"job-printing",
	"job-canceled-by-user",
	"job-canceled-at-device",
	"aborted-by-system",
	"unsupported-document-format",
	"document-format-error",
	"processing-to-stop-point",
	"job-completed-successfully",
	"job-completed-with-warnings",
	"job-completed-with-errors",
	"job-fetchable",
	"job-spooling",
	"job-password-wait",
	"document-permission-error",
	"document-unprintable-error",
	"errors-detected",
	"warnings-detected",
}

// Keywords expands the bitfield into job-state-reasons keywords, or
// ["none"] for an empty field.
func (r JobReason) Keywords() []string {
	if r == JRNone {
		return []string{"none"}
	}
	var kw []string
	for i, s := range jobReasonStrings {
		if r&(1<<uint(i)) != 0 {
			kw = append(kw, s)
		}
	}
	return kw
}

// fsm events for job state transitions.
const (
	jobEvtHold    = "hold"
	jobEvtRelease = "release"
	jobEvtProcess = "process"
	jobEvtStop    = "stop"
	jobEvtAbort   = "abort"
	jobEvtCancel  = "cancel"
	jobEvtFinish  = "finish"
	jobEvtRestart = "restart"
)

/*
https://datatracker.ietf.org/doc/html/rfc8011#section-5.3.7

                                                      +----> canceled
                                                     /
       +----> pending  -------> processing ---------+------> completed
       |         ^                   ^               \
   --->+         |                   |                +----> aborted
       |         v                   v               /
       +----> pending-held    processing-stopped ---+
*/

var jobFsmEvts = []fsm.EventDesc{
	{Name: jobEvtHold, Src: []string{JobPending.String()}, Dst: JobHeld.String()},
	{Name: jobEvtRelease, Src: []string{JobHeld.String()}, Dst: JobPending.String()},
	{Name: jobEvtProcess, Src: []string{JobPending.String()}, Dst: JobProcessing.String()},
	{Name: jobEvtStop, Src: []string{JobProcessing.String()}, Dst: JobStopped.String()},
	{Name: jobEvtRelease, Src: []string{JobStopped.String()}, Dst: JobProcessing.String()},
	{Name: jobEvtCancel, Src: []string{
		JobPending.String(),
		JobHeld.String(),
		JobProcessing.String(),
		JobStopped.String(),
	}, Dst: JobCanceled.String()},
	{Name: jobEvtFinish, Src: []string{JobProcessing.String()}, Dst: JobCompleted.String()},
	{Name: jobEvtAbort, Src: []string{
		JobPending.String(),
		JobProcessing.String(),
		JobStopped.String(),
	}, Dst: JobAborted.String()},
	{Name: jobEvtRestart, Src: []string{
		JobCanceled.String(),
		JobAborted.String(),
		JobCompleted.String(),
	}, Dst: JobPending.String()},
}

// Document is one spooled document of a job.
type Document struct {
	seq    int
	name   string
	format string
	path   string // spool file
	state  JobState
	attrs  goipp.Attributes
}

// Job is a single print job owned by a printer.
type Job struct {
	p  *Printer
	id int

	mu sync.RWMutex

	state        JobState
	reasons      JobReason
	priority     int
	name         string
	username     string
	format       string
	attrs        goipp.Attributes // job ticket
	docs         []*Document
	holdUntil    time.Time // zero = not held
	holdKeyword  string
	createdAt    time.Time
	processingAt time.Time
	completedAt  time.Time
	impressions  int
	impcompleted int
	message      string // job-state-message
	cancel       bool   // cancel requested
	closed       bool   // no more documents expected
	fetched      string // output device UUID that fetched this job
	sm           *fsm.FSM

	signal func() // forwards SIGTERM to the running command, set while processing
}

// ID returns the job id.
func (j *Job) ID() int { return j.id }

// State returns the current job-state.
func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// newJob constructs a job in the pending state. Callers hold the
// printer write lock and have already assigned the id.
func newJob(p *Printer, id int, name, username, format string, ticket goipp.Attributes) *Job {
	j := &Job{
		p:         p,
		id:        id,
		state:     JobPending,
		reasons:   JRJobIncoming,
		priority:  attrInt(ticket, "job-priority", 50),
		name:      name,
		username:  username,
		format:    format,
		attrs:     ticket,
		createdAt: time.Now(),
	}
	j.sm = makeJobFSM(j)
	return j
}

// makeJobFSM wires the fsm callbacks that keep Job state, reasons and
// timestamps consistent with the transition taken. The callbacks run with
// j.mu held by the event caller.
func makeJobFSM(j *Job) *fsm.FSM {
	return fsm.NewFSM(
		JobPending.String(),
		jobFsmEvts,
		fsm.Callbacks{
			jobEvtHold: func(ctx context.Context, e *fsm.Event) {
				j.state = JobHeld
				j.reasons |= JRJobHeldUntilSpecified
			},
			jobEvtRelease: func(ctx context.Context, e *fsm.Event) {
				if j.state == JobStopped {
					j.state = JobProcessing
					j.reasons &^= JRProcessingToStopPoint
					return
				}
				j.state = JobPending
				j.reasons &^= JRJobHeldUntilSpecified
				j.holdUntil = time.Time{}
				j.holdKeyword = ""
			},
			jobEvtProcess: func(ctx context.Context, e *fsm.Event) {
				j.state = JobProcessing
				j.reasons = (j.reasons &^ JRJobQueued) | JRJobPrinting
				j.processingAt = time.Now()
			},
			jobEvtStop: func(ctx context.Context, e *fsm.Event) {
				j.state = JobStopped
				j.reasons |= JRProcessingToStopPoint
			},
			jobEvtCancel: func(ctx context.Context, e *fsm.Event) {
				j.state = JobCanceled
				j.reasons = (j.reasons &^ (JRJobPrinting | JRProcessingToStopPoint)) | JRJobCanceledByUser
				j.completedAt = time.Now()
			},
			jobEvtAbort: func(ctx context.Context, e *fsm.Event) {
				j.state = JobAborted
				j.reasons = (j.reasons &^ JRJobPrinting) | JRAbortedBySystem
				j.completedAt = time.Now()
			},
			jobEvtFinish: func(ctx context.Context, e *fsm.Event) {
				j.state = JobCompleted
				j.reasons = (j.reasons &^ JRJobPrinting) | JRJobCompletedSuccessfully
				j.completedAt = time.Now()
			},
			jobEvtRestart: func(ctx context.Context, e *fsm.Event) {
				j.state = JobPending
				j.reasons = JRJobQueued
				j.processingAt = time.Time{}
				j.completedAt = time.Time{}
				j.impcompleted = 0
				j.message = ""
				j.cancel = false
			},
		},
	)
}

// transition fires an fsm event under the job write lock. Terminal states
// reject all events except restart by fsm construction.
func (j *Job) transition(evt string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(evt)
}

func (j *Job) transitionLocked(evt string) error {
	if err := j.sm.Event(context.Background(), evt); err != nil {
		return fmt.Errorf("job %d: %w", j.id, err)
	}
	return nil
}

// IsTerminal reports whether the job reached one of the terminal states.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.terminalLocked()
}

func (j *Job) terminalLocked() bool {
	switch j.state {
	case JobCanceled, JobAborted, JobCompleted:
		return true
	}
	return false
}

// uri returns the job-uri.
func (j *Job) uri() string {
	return fmt.Sprintf("%s/%d", j.p.uri(), j.id)
}

// describeLocked returns the job-description attribute group. Callers hold at
// least the job read lock; requested filters the output, privacy redaction
// has already been decided by the caller.
func (j *Job) describeLocked(requested map[string]bool, redact map[string]bool) goipp.Attributes {
	nulltime := func(t time.Time) goipp.Value {
		if t.IsZero() {
			return goipp.Void{}
		}
		return goipp.Integer(uptime(j.p.sys.startTime, t))
	}
	nulltag := func(t time.Time) goipp.Tag {
		if t.IsZero() {
			return goipp.TagNoValue
		}
		return goipp.TagInteger
	}

	var attrs goipp.Attributes
	a := adder(&attrs)
	a("job-id", goipp.TagInteger, goipp.Integer(j.id))
	a("job-uri", goipp.TagURI, goipp.String(j.uri()))
	a("job-printer-uri", goipp.TagURI, goipp.String(j.p.uri()))
	a("job-state", goipp.TagEnum, goipp.Integer(j.state))
	a("job-state-reasons", goipp.TagKeyword, stringsToValues(j.reasons.Keywords())...)
	if j.message != "" {
		a("job-state-message", goipp.TagText, goipp.String(j.message))
	}
	a("job-name", goipp.TagName, goipp.String(j.name))
	a("job-originating-user-name", goipp.TagName, goipp.String(j.username))
	a("job-priority", goipp.TagInteger, goipp.Integer(j.priority))
	if j.format != "" {
		a("document-format", goipp.TagMimeType, goipp.String(j.format))
	}
	a("time-at-creation", goipp.TagInteger, goipp.Integer(uptime(j.p.sys.startTime, j.createdAt)))
	a("date-time-at-creation", goipp.TagDateTime, ippDate(j.createdAt))
	a("time-at-processing", nulltag(j.processingAt), nulltime(j.processingAt))
	a("time-at-completed", nulltag(j.completedAt), nulltime(j.completedAt))
	a("job-printer-up-time", goipp.TagInteger, goipp.Integer(uptime(j.p.sys.startTime, time.Now())))
	if j.impressions > 0 {
		a("job-impressions", goipp.TagInteger, goipp.Integer(j.impressions))
	}
	a("job-impressions-completed", goipp.TagInteger, goipp.Integer(j.impcompleted))
	a("number-of-documents", goipp.TagInteger, goipp.Integer(len(j.docs)))
	if j.fetched != "" {
		a("output-device-uuid-assigned", goipp.TagURI, goipp.String("urn:uuid:"+j.fetched))
	}
	// job ticket attributes the client supplied
	for _, attr := range j.attrs {
		switch attr.Name {
		case "job-priority", "job-name":
			continue
		}
		attrs.Add(attr)
	}

	var out goipp.Attributes
	for _, attr := range attrs {
		if requested != nil && !requested[attr.Name] {
			continue
		}
		if redacted(redact, attr.Name) {
			out.Add(ippNoValue(attr.Name))
			continue
		}
		out.Add(attr)
	}
	return out
}

// documentLocked returns the document with the given number, or nil. Callers
// hold at least the job read lock.
func (j *Job) documentLocked(num int) *Document {
	if num < 1 || num > len(j.docs) {
		return nil
	}
	return j.docs[num-1]
}

// describeDocument returns the document-description group for one document.
func describeDocument(j *Job, d *Document, requested map[string]bool) goipp.Attributes {
	var attrs goipp.Attributes
	a := adder(&attrs)
	a("document-number", goipp.TagInteger, goipp.Integer(d.seq))
	a("document-job-id", goipp.TagInteger, goipp.Integer(j.id))
	a("document-job-uri", goipp.TagURI, goipp.String(j.uri()))
	a("document-uri", goipp.TagURI, goipp.String(fmt.Sprintf("%s/%d", j.uri(), d.seq)))
	a("document-name", goipp.TagName, goipp.String(d.name))
	a("document-format", goipp.TagMimeType, goipp.String(d.format))
	a("document-state", goipp.TagEnum, goipp.Integer(d.state))
	for _, attr := range d.attrs {
		attrs.Add(attr)
	}
	if requested == nil {
		return attrs
	}
	var out goipp.Attributes
	for _, attr := range attrs {
		if requested[attr.Name] {
			out.Add(attr)
		}
	}
	return out
}
