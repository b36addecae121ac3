package ippsrv

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"time"
)

// schedulerLoop is the printer's processing goroutine. It wakes on the kick
// channel or a periodic tick, picks the highest-priority pending job whose
// hold window has passed, and processes it to a terminal state. Exactly one
// job per printer is in the processing state at a time.
func (sys *System) schedulerLoop(p *Printer) {
	lg := slog.With("printer", p.name)
	lg.Debug("scheduler started")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.shutdown:
			lg.Debug("scheduler stopped")
			return
		case <-p.kick:
		case <-ticker.C:
		}
		for {
			p.releaseExpiredHolds(time.Now())
			j := p.nextJob(time.Now())
			if j == nil {
				break
			}
			sys.processJob(p, j)
		}
	}
}

// processJob drives one job from pending to a terminal state.
func (sys *System) processJob(p *Printer, j *Job) {
	lg := slog.With("printer", p.name, "job_id", j.id)

	// If the printer has output devices and no local command, the job is
	// processed by a proxy: mark it fetchable and let Fetch-Job take over.
	p.mu.RLock()
	hasDevices := len(p.devices) > 0
	command := p.command
	deviceURI := p.deviceURI
	p.mu.RUnlock()
	if hasDevices && command == "" {
		j.mu.Lock()
		if j.reasons&JRJobFetchable == 0 {
			j.reasons |= JRJobFetchable
			j.mu.Unlock()
			lg.Info("job fetchable")
			sys.addEvent(p, j, nil, EvtJobFetchable, "Job is fetchable.")
		} else {
			j.mu.Unlock()
		}
		return
	}

	j.mu.Lock()
	if err := j.transitionLocked(jobEvtProcess); err != nil {
		j.mu.Unlock()
		lg.Error("failed to start job", "error", err)
		return
	}
	docs := append([]*Document(nil), j.docs...)
	j.mu.Unlock()

	p.mu.Lock()
	p.procJob = j
	p.setStateLocked(PSProcessing)
	p.mu.Unlock()
	sys.addEvent(p, j, nil, EvtJobStateChanged, "Job processing.")
	sys.addEvent(p, nil, nil, EvtPrinterStateChanged, "Now printing.")

	var failed, canceled bool
	for _, doc := range docs {
		doc.state = JobProcessing
		sys.addEvent(p, j, nil, EvtDocumentStateChanged, "Document processing.")
		err := sys.processDocument(p, j, doc, command, deviceURI)
		j.mu.RLock()
		canceled = j.cancel
		j.mu.RUnlock()
		switch {
		case canceled:
			doc.state = JobCanceled
		case err != nil:
			doc.state = JobAborted
			failed = true
			lg.Error("document processing failed", "error", err)
		default:
			doc.state = JobCompleted
		}
		sys.addEvent(p, j, nil, EvtDocumentCompleted, "Document completed.")
		if canceled || failed {
			break
		}
	}

	var evt string
	switch {
	case canceled:
		evt = jobEvtCancel
	case failed:
		evt = jobEvtAbort
	default:
		evt = jobEvtFinish
	}
	if err := j.transition(evt); err != nil {
		lg.Error("failed to finish job", "error", err)
	}

	p.mu.Lock()
	p.retireLocked(j)
	if p.state == PSProcessing {
		if p.reasons&(ReasonPaused|ReasonMovingToPaused) != 0 {
			// Pause-Printer-After-Current-Job took effect.
			p.reasons = (p.reasons &^ ReasonMovingToPaused) | ReasonPaused
			p.setStateLocked(PSStopped)
		} else {
			p.setStateLocked(PSIdle)
		}
	}
	p.mu.Unlock()

	sys.spool.remove(j)
	lg.Info("job finished", "state", j.State().String())
	sys.addEvent(p, j, nil, EvtJobStateChanged|EvtJobCompleted, "Job "+j.State().String()+".")
	sys.addEvent(p, nil, nil, EvtPrinterStateChanged, "Printer idle.")
}

// processDocument sends a single document through the configured path:
// external command, raw socket device, or simulation.
func (sys *System) processDocument(p *Printer, j *Job, doc *Document, command, deviceURI string) error {
	// Block while a needed supply is empty; the side channel clears the
	// reason when the supply is replenished.
	for {
		p.mu.RLock()
		blocked := p.reasonsWithDevices()&ReasonMediaNeeded != 0 &&
			p.reasonsWithDevices()&(ReasonMarkerSupplyEmpty|ReasonMediaEmpty|ReasonTonerEmpty) != 0
		p.mu.RUnlock()
		if !blocked {
			break
		}
		j.mu.RLock()
		canceled := j.cancel
		j.mu.RUnlock()
		if canceled {
			return nil
		}
		time.Sleep(time.Second)
	}

	switch {
	case command != "":
		err := sys.runCommand(p, j, doc)
		var xerr *exec.ExitError
		if errors.As(err, &xerr) {
			j.mu.RLock()
			canceled := j.cancel
			j.mu.RUnlock()
			if canceled {
				return nil
			}
			return err
		}
		return err
	case deviceURI != "" && doc.path != "":
		return sendToSocket(deviceURI, doc.path)
	default:
		// No command and no device: simulate processing time.
		time.Sleep(100 * time.Millisecond)
		j.mu.Lock()
		if j.impressions > 0 {
			j.impcompleted = j.impressions
		} else {
			j.impcompleted++
		}
		j.mu.Unlock()
		sys.addEvent(p, j, nil, EvtJobProgress, "Job progress.")
		return nil
	}
}

// sendToSocket streams a spool file to a socket:// device.
func sendToSocket(deviceURI, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	conn, err := net.DialTimeout("tcp", deviceHostPort(deviceURI), 30*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = io.Copy(conn, f)
	return err
}
