package ippsrv

import (
	"time"

	"github.com/OpenPrinting/goipp"
)

// EventMask is a bitfield of notify-events keywords.
type EventMask uint64

const (
	EvtDocumentCompleted EventMask = 1 << iota
	EvtDocumentConfigChanged
	EvtDocumentCreated
	EvtDocumentFetchable
	EvtDocumentStateChanged
	EvtDocumentStopped
	EvtJobCompleted
	EvtJobConfigChanged
	EvtJobCreated
	EvtJobFetchable
	EvtJobProgress
	EvtJobStateChanged
	EvtJobStopped
	EvtPrinterConfigChanged
	EvtPrinterCreated
	EvtPrinterDeleted
	EvtPrinterFinishingsChanged
	EvtPrinterMediaChanged
	EvtPrinterQueueOrderChanged
	EvtPrinterRestarted
	EvtPrinterShutdown
	EvtPrinterStateChanged
	EvtPrinterStopped
	EvtResourceCanceled
	EvtResourceConfigChanged
	EvtResourceCreated
	EvtResourceInstalled
	EvtResourceStateChanged
	EvtSystemConfigChanged
	EvtSystemStateChanged
	EvtSystemStopped

	EvtNone EventMask = 0
)

var eventNames = map[EventMask]string{
	EvtDocumentCompleted:        "document-completed",
	EvtDocumentConfigChanged:    "document-config-changed",
	EvtDocumentCreated:          "document-created",
	EvtDocumentFetchable:        "document-fetchable",
	EvtDocumentStateChanged:     "document-state-changed",
	EvtDocumentStopped:          "document-stopped",
	EvtJobCompleted:             "job-completed",
	EvtJobConfigChanged:         "job-config-changed",
	EvtJobCreated:               "job-created",
	EvtJobFetchable:             "job-fetchable",
	EvtJobProgress:              "job-progress",
	EvtJobStateChanged:          "job-state-changed",
	EvtJobStopped:               "job-stopped",
	EvtPrinterConfigChanged:     "printer-config-changed",
	EvtPrinterCreated:           "printer-created",
	EvtPrinterDeleted:           "printer-deleted",
	EvtPrinterFinishingsChanged: "printer-finishings-changed",
	EvtPrinterMediaChanged:      "printer-media-changed",
	EvtPrinterQueueOrderChanged: "printer-queue-order-changed",
	EvtPrinterRestarted:         "printer-restarted",
	EvtPrinterShutdown:          "printer-shutdown",
	EvtPrinterStateChanged:      "printer-state-changed",
	EvtPrinterStopped:           "printer-stopped",
	EvtResourceCanceled:         "resource-canceled",
	EvtResourceConfigChanged:    "resource-config-changed",
	EvtResourceCreated:          "resource-created",
	EvtResourceInstalled:        "resource-installed",
	EvtResourceStateChanged:     "resource-state-changed",
	EvtSystemConfigChanged:      "system-config-changed",
	EvtSystemStateChanged:       "system-state-changed",
	EvtSystemStopped:            "system-stopped",
}

var eventBits = func() map[string]EventMask {
	m := make(map[string]EventMask, len(eventNames))
	for bit, name := range eventNames {
		m[name] = bit
	}
	return m
}()

// ParseEvents converts notify-events keywords to a mask. Unknown keywords
// are reported back so the caller can flag them as unsupported.
func ParseEvents(keywords []string) (EventMask, []string) {
	var mask EventMask
	var unknown []string
	for _, kw := range keywords {
		switch kw {
		case "all":
			for bit := range eventNames {
				mask |= bit
			}
		case "none":
			// explicit empty mask
		default:
			bit, ok := eventBits[kw]
			if !ok {
				unknown = append(unknown, kw)
				continue
			}
			mask |= bit
		}
	}
	return mask, unknown
}

// Keywords expands a mask back into its notify-events keywords in
// registration order.
func (m EventMask) Keywords() []string {
	var kw []string
	for bit := EventMask(1); bit != 0 && bit <= m; bit <<= 1 {
		if m&bit != 0 {
			if name, ok := eventNames[bit]; ok {
				kw = append(kw, name)
			}
		}
	}
	if len(kw) == 0 {
		return []string{"none"}
	}
	return kw
}

// event is a single immutable event record queued on a subscription.
type event struct {
	seq   int
	bit   EventMask
	attrs goipp.Attributes
}

// eventSnapshot captures object state for an event outside the bus lock,
// preserving the system > printer > job > subscription lock order.
type eventSnapshot struct {
	hasPrinter bool
	printerURI string
	upTime     int
	pState     PrinterState
	pReasons   Reason
	accepting  bool

	hasJob   bool
	jobID    int
	jState   JobState
	jReasons JobReason
	jImp     int

	hasResource bool
	resourceID  int
	resState    ResourceState
}

// snapshotEvent reads the event's object state under the object locks.
func snapshotEvent(p *Printer, j *Job, res *Resource, now time.Time) eventSnapshot {
	var snap eventSnapshot
	if p != nil {
		p.mu.RLock()
		snap = eventSnapshot{
			hasPrinter: true,
			printerURI: p.uri(),
			upTime:     uptime(p.sys.startTime, now),
			pState:     p.effectiveStateLocked(),
			pReasons:   p.reasonsWithDevices(),
			accepting:  p.accepting,
		}
		p.mu.RUnlock()
	}
	if j != nil {
		j.mu.RLock()
		snap.hasJob = true
		snap.jobID = j.id
		snap.jState = j.state
		snap.jReasons = j.reasons
		snap.jImp = j.impcompleted
		j.mu.RUnlock()
	}
	if res != nil {
		snap.hasResource = true
		snap.resourceID = res.id
		snap.resState = res.state
	}
	return snap
}

// buildEvent assembles the event-notification attribute group for one
// subscription from a pre-taken state snapshot.
func buildEvent(sub *Subscription, bit EventMask, message string, snap eventSnapshot, seq int) goipp.Attributes {
	var attrs goipp.Attributes
	a := adder(&attrs)
	a("notify-charset", goipp.TagCharset, goipp.String(sub.charset))
	a("notify-natural-language", goipp.TagLanguage, goipp.String(sub.language))
	a("notify-subscription-id", goipp.TagInteger, goipp.Integer(sub.id))
	a("notify-sequence-number", goipp.TagInteger, goipp.Integer(seq))
	a("notify-subscribed-event", goipp.TagKeyword, goipp.String(eventNames[bit]))
	a("notify-text", goipp.TagText, goipp.String(message))
	if sub.userData != nil {
		attrs.Add(*sub.userData)
	}
	if snap.hasPrinter {
		a("notify-printer-uri", goipp.TagURI, goipp.String(snap.printerURI))
		a("printer-up-time", goipp.TagInteger, goipp.Integer(snap.upTime))
		a("printer-state", goipp.TagEnum, goipp.Integer(snap.pState))
		a("printer-state-reasons", goipp.TagKeyword, stringsToValues(snap.pReasons.Keywords())...)
		a("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(snap.accepting))
	}
	if snap.hasJob {
		a("notify-job-id", goipp.TagInteger, goipp.Integer(snap.jobID))
		a("job-state", goipp.TagEnum, goipp.Integer(snap.jState))
		a("job-state-reasons", goipp.TagKeyword, stringsToValues(snap.jReasons.Keywords())...)
		if snap.jImp > 0 {
			a("job-impressions-completed", goipp.TagInteger, goipp.Integer(snap.jImp))
		}
	}
	if snap.hasResource {
		a("notify-resource-id", goipp.TagInteger, goipp.Integer(snap.resourceID))
		a("resource-state", goipp.TagEnum, goipp.Integer(snap.resState))
	}
	return attrs
}
