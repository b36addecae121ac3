package ippsrv

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"
)

// PrinterState represents the printer-state attribute.
type PrinterState int32

const (
	PSIdle PrinterState = iota + 3 // 3 is the value for idle in RFC 8011
	PSProcessing
	PSStopped
)

func (s PrinterState) String() string {
	switch s {
	case PSIdle:
		return "idle"
	case PSProcessing:
		return "processing"
	case PSStopped:
		return "stopped"
	}
	return fmt.Sprintf("PrinterState(%d)", int32(s))
}

// Reason is a bitfield of printer-state-reasons keywords.
type Reason uint32

const (
	ReasonOther Reason = 1 << iota
	ReasonCoverOpen
	ReasonInputTrayMissing
	ReasonMarkerSupplyEmpty
	ReasonMarkerSupplyLow
	ReasonMarkerWasteAlmostFull
	ReasonMarkerWasteFull
	ReasonMediaEmpty
	ReasonMediaJam
	ReasonMediaLow
	ReasonMediaNeeded
	ReasonMovingToPaused
	ReasonPaused
	ReasonSpoolAreaFull
	ReasonTonerEmpty
	ReasonTonerLow
	ReasonDeactivated
	ReasonIdentifyRequested

	ReasonNone Reason = 0
)

// reasonStrings is ordered by bit position.
var reasonStrings = []string{
	"other",
	"cover-open",
	"input-tray-missing",
	"marker-supply-empty",
	"marker-supply-low",
	"marker-waste-almost-full",
	"marker-waste-full",
	"media-empty",
	"media-jam",
	"media-low",
	"media-needed",
	"moving-to-paused",
	"paused",
	"spool-area-full",
	"toner-empty",
	"toner-low",
	"deactivated",
	"identify-printer-requested",
}

// Keywords expands the bitfield into printer-state-reasons keywords, or
// ["none"] for an empty field.
func (r Reason) Keywords() []string {
	if r == ReasonNone {
		return []string{"none"}
	}
	var kw []string
	for i, s := range reasonStrings {
		if r&(1<<uint(i)) != 0 {
			kw = append(kw, s)
		}
	}
	return kw
}

// ParseReason maps a single printer-state-reasons keyword to its bit. The
// -report, -warning and -error suffixes are stripped before matching.
func ParseReason(kw string) (Reason, bool) {
	for _, suffix := range []string{"-error", "-report", "-warning"} {
		if s, ok := strings.CutSuffix(kw, suffix); ok {
			kw = s
			break
		}
	}
	for i, s := range reasonStrings {
		if s == kw {
			return 1 << uint(i), true
		}
	}
	return 0, false
}

// PrinterDef is the minimal input a printer is synthesized from, either
// from a configuration file or a Create-Printer request.
type PrinterDef struct {
	Name          string
	Make          string
	Model         string
	Location      string
	GeoLocation   string
	Info          string
	Command       string
	DeviceURI     string
	OutputFormat  string
	Formats       []string
	Duplex        bool
	PIN           bool
	Speed         int // pages per minute
	SpeedColor    int
	Icon          string
	Strings       map[string]string // language -> strings file
	Profiles      []string          // ICC profile resource files
	WebForms      bool
	Is3D          bool
	MaxDevices    int
	AuthPrintGrp  string
	AuthProxyGrp  string
	InitAccepting bool
	InitState     PrinterState
	InitReasons   Reason
	Attrs         goipp.Attributes // configuration ATTR overrides
}

// Printer is a single print service with its own attribute set, job queue,
// subscriptions bindings and output devices.
type Printer struct {
	sys *System

	id        int
	name      string
	path      string // resource path, e.g. /ipp/print/name
	dnssdName string

	mu sync.RWMutex

	attrs     goipp.Attributes
	state     PrinterState
	reasons   Reason
	accepting bool
	holdNew   bool

	command      string
	deviceURI    string
	outputFormat string
	formats      []string
	pin          bool
	is3D         bool
	webforms     bool
	icon         string
	strings      map[string]string
	authPrint    string
	authProxy    string

	startTime  time.Time
	configTime time.Time
	stateTime  time.Time

	jobs      map[int]*Job
	active    []*Job // (priority DESC, id DESC)
	completed []*Job // in retirement order, oldest first
	nextJobID int
	procJob   *Job

	devices    map[string]*OutputDevice // keyed by UUID
	maxDevices int

	resources []int // allocated resource ids

	identifyActions []string // pending Identify-Printer actions

	dnssdSerial    int
	dnssdCollision bool

	kick     chan struct{} // scheduler wake-up
	shutdown chan struct{}
}

func (p *Printer) uri() string {
	return p.sys.printerURI(p, "ipp")
}

// ID returns the stable printer id.
func (p *Printer) ID() int { return p.id }

// Name returns the printer-name.
func (p *Printer) Name() string { return p.name }

// Path returns the printer's resource path.
func (p *Printer) Path() string { return p.path }

// State returns the printer's own state (without output devices).
func (p *Printer) State() PrinterState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// setStateLocked transitions printer-state and stamps the state change time.
// Callers hold the write lock.
func (p *Printer) setStateLocked(state PrinterState) {
	if p.state == state {
		return
	}
	p.state = state
	p.stateTime = time.Now()
}

// effectiveStateLocked is max(own state, registered device states). Callers hold
// at least the read lock.
func (p *Printer) effectiveStateLocked() PrinterState {
	state := p.state
	for _, dev := range p.devices {
		if dev.state > state {
			state = dev.state
		}
	}
	return state
}

// reasonsWithDevices is the union of the printer's own reason bits and all
// registered output device reasons. Callers hold at least the read lock.
func (p *Printer) reasonsWithDevices() Reason {
	r := p.reasons
	for _, dev := range p.devices {
		r |= dev.reasons
	}
	return r
}

// setReasons applies a set/add/remove update to printer-state-reasons and
// emits printer-state-changed when the field changes.
func (p *Printer) setReasons(set, add, remove Reason, replace bool) {
	p.mu.Lock()
	old := p.reasons
	if replace {
		p.reasons = set
	} else {
		p.reasons = (p.reasons | add) &^ remove
	}
	changed := p.reasons != old
	if changed {
		p.stateTime = time.Now()
	}
	p.mu.Unlock()
	if changed {
		p.sys.addEvent(p, nil, nil, EvtPrinterStateChanged, "Printer state reasons changed.")
	}
}

// kickScheduler wakes the printer's job scheduler.
func (p *Printer) kickScheduler() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// JobByID returns the job with the given id, or nil.
func (p *Printer) JobByID(id int) *Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.jobs[id]
}

// insertActiveLocked inserts a job into the active array keeping
// (priority DESC, id DESC) order.
func (p *Printer) insertActiveLocked(j *Job) {
	i := sort.Search(len(p.active), func(i int) bool {
		a := p.active[i]
		if a.priority != j.priority {
			return a.priority < j.priority
		}
		return a.id < j.id
	})
	p.active = append(p.active, nil)
	copy(p.active[i+1:], p.active[i:])
	p.active[i] = j
}

func removeJob(jobs []*Job, j *Job) []*Job {
	for i, job := range jobs {
		if job == j {
			return append(jobs[:i], jobs[i+1:]...)
		}
	}
	return jobs
}

// retireLocked moves a job from active to completed on reaching a terminal
// state. Callers hold the printer write lock.
func (p *Printer) retireLocked(j *Job) {
	p.active = removeJob(p.active, j)
	p.completed = append(p.completed, j)
	if p.procJob == j {
		p.procJob = nil
	}
}

// activeCountLocked returns the number of not-completed jobs.
func (p *Printer) activeCountLocked() int {
	return len(p.active)
}

// nextJob returns the highest-priority pending job whose hold window has
// passed, or nil.
func (p *Printer) nextJob(now time.Time) *Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.procJob != nil || p.state == PSStopped {
		return nil
	}
	for _, j := range p.active {
		j.mu.RLock()
		ok := j.state == JobPending && j.reasons&JRJobFetchable == 0 &&
			(j.holdUntil.IsZero() || !now.Before(j.holdUntil))
		j.mu.RUnlock()
		if ok {
			return j
		}
	}
	return nil
}

// releaseExpiredHolds releases held jobs whose hold window has passed.
func (p *Printer) releaseExpiredHolds(now time.Time) {
	p.mu.RLock()
	jobs := append([]*Job(nil), p.active...)
	p.mu.RUnlock()
	for _, j := range jobs {
		j.mu.Lock()
		if j.state == JobHeld && !j.holdUntil.IsZero() && now.After(j.holdUntil) {
			_ = j.transitionLocked(jobEvtRelease)
		}
		j.mu.Unlock()
	}
}

// allocateResource registers a resource id in the printer's allocation
// list, respecting the per-printer cap.
func (p *Printer) allocateResource(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	const maxResources = 100
	if len(p.resources) >= maxResources {
		return ippErrorf(goipp.StatusErrorNotPossible, "printer resource allocation list is full")
	}
	for _, rid := range p.resources {
		if rid == id {
			return nil
		}
	}
	p.resources = append(p.resources, id)
	return nil
}

func (p *Printer) deallocateResource(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, rid := range p.resources {
		if rid == id {
			p.resources = append(p.resources[:i], p.resources[i+1:]...)
			return
		}
	}
}

// snapshotJobs returns the printer's jobs per the which-jobs selector.
func (p *Printer) snapshotJobs(which string) []*Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch which {
	case "completed":
		out := make([]*Job, len(p.completed))
		copy(out, p.completed)
		// newest completions first
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i], out[j]
			if !a.completedAt.Equal(b.completedAt) {
				return a.completedAt.After(b.completedAt)
			}
			return a.id > b.id
		})
		return out
	case "all":
		out := make([]*Job, 0, len(p.jobs))
		for _, j := range p.jobs {
			out = append(out, j)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
		return out
	default: // not-completed
		out := make([]*Job, len(p.active))
		copy(out, p.active)
		return out
	}
}
