package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"

	"github.com/rusq/ippserver/ippclient"
)

// jobLoop waits for fetchable jobs and relays them one at a time.
func (a *Agent) jobLoop(ctx context.Context) {
	for {
		a.mu.Lock()
		for len(a.jobs) == 0 && ctx.Err() == nil {
			a.cond.Wait()
		}
		if ctx.Err() != nil {
			a.mu.Unlock()
			return
		}
		pj := a.jobs[0]
		a.jobs = a.jobs[1:]
		a.mu.Unlock()

		if err := a.relayJob(ctx, pj); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to relay job", "job_id", pj.remoteID, "error", err)
		}
	}
}

// relayJob runs one job through Fetch-Job, per-document Fetch-Document and
// delivery, then reports the terminal state upstream.
func (a *Agent) relayJob(ctx context.Context, pj *proxyJob) error {
	lg := slog.With("job_id", pj.remoteID)

	// Fetch-Job: a not-fetchable answer means another proxy beat us to it.
	msg := a.client.NewRequest(goipp.OpFetchJob)
	a.addJobTarget(msg, pj.remoteID)
	resp, err := a.client.DoStatus(ctx, msg, nil)
	if err != nil {
		if ippclient.IsStatus(err, ippclient.StatusErrorNotFetchable) {
			lg.Info("job no longer fetchable, skipping")
			pj.state = JobCompleted
			return nil
		}
		return fmt.Errorf("Fetch-Job: %w", err)
	}
	jobAttrs := resp.Job
	if groups := ippclient.GroupsOf(resp, goipp.TagJobGroup); len(groups) > 0 {
		jobAttrs = groups[0]
	}
	docCount := ippclient.AttrInt(jobAttrs, "number-of-documents", 1)
	if docCount < 1 {
		docCount = 1
	}
	lg.Info("job fetched", "documents", docCount,
		"job_name", ippclient.AttrString(jobAttrs, "job-name", ""))

	if err := a.acknowledgeJob(ctx, pj.remoteID); err != nil {
		return err
	}
	pj.state = JobProcessing
	if err := a.updateJobStatus(ctx, pj.remoteID, JobProcessing); err != nil {
		lg.Debug("failed to report processing state", "error", err)
	}

	final := JobCompleted
	for docNum := 1; docNum <= docCount; docNum++ {
		if a.remoteCanceled(pj.remoteID) {
			lg.Info("job canceled remotely, stopping")
			final = JobCanceled
			break
		}
		if err := a.relayDocument(ctx, pj.remoteID, docNum); err != nil {
			lg.Error("document relay failed", "document", docNum, "error", err)
			final = JobAborted
			break
		}
	}

	pj.state = final
	if err := a.updateJobStatus(ctx, pj.remoteID, final); err != nil {
		return fmt.Errorf("Update-Job-Status: %w", err)
	}
	lg.Info("job relayed", "state", final)
	return nil
}

// relayDocument fetches one document into a temp file, sends it to the
// local device and reports the document state.
func (a *Agent) relayDocument(ctx context.Context, jobID, docNum int) error {
	msg := a.client.NewRequest(goipp.OpFetchDocument)
	a.addJobTarget(msg, jobID)
	msg.Operation.Add(goipp.MakeAttribute("document-number", goipp.TagInteger, goipp.Integer(docNum)))

	resp, body, err := a.client.Do(ctx, msg, nil)
	if err != nil {
		return fmt.Errorf("Fetch-Document: %w", err)
	}
	defer body.Close()
	if status := goipp.Status(resp.Code); status >= 0x0400 {
		return &ippclient.StatusError{Status: status}
	}
	format := ippclient.AttrString(resp.Operation, "document-format", "application/octet-stream")

	tmp, err := os.CreateTemp("", "ippproxy-*.dat")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to spool document: %w", err)
	}
	slog.Debug("document fetched", "job_id", jobID, "document", docNum, "bytes", n, "format", format)

	if err := a.updateDocumentStatus(ctx, jobID, docNum, JobProcessing); err != nil {
		slog.Debug("failed to report document processing", "error", err)
	}

	state := JobCompleted
	if err := a.deliver(ctx, jobID, tmp.Name(), format); err != nil {
		state = JobAborted
		if uerr := a.updateDocumentStatus(ctx, jobID, docNum, state); uerr != nil {
			slog.Debug("failed to report document state", "error", uerr)
		}
		return err
	}
	return a.updateDocumentStatus(ctx, jobID, docNum, state)
}

// deliver hands the document to the local device: raw bytes for socket://
// URIs, Print-Job for IPP devices.
func (a *Agent) deliver(ctx context.Context, jobID int, path, format string) error {
	switch {
	case strings.HasPrefix(a.deviceURI, "socket://"):
		return a.deliverSocket(path)
	case strings.HasPrefix(a.deviceURI, "ipp://"), strings.HasPrefix(a.deviceURI, "ipps://"):
		return a.deliverIPP(ctx, jobID, path, format)
	default:
		return fmt.Errorf("unsupported device URI %q", a.deviceURI)
	}
}

func (a *Agent) deliverSocket(path string) error {
	hp := strings.TrimSuffix(strings.TrimPrefix(a.deviceURI, "socket://"), "/")
	if !strings.Contains(hp, ":") {
		hp += ":9100"
	}
	conn, err := net.DialTimeout("tcp", hp, 30*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to device: %w", err)
	}
	defer conn.Close()
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(conn, f); err != nil {
		return fmt.Errorf("failed to send document: %w", err)
	}
	return nil
}

// deliverIPP prints via Print-Job and polls the device job to completion,
// forwarding a remote cancellation to the device.
func (a *Agent) deliverIPP(ctx context.Context, jobID int, path, format string) error {
	dev, err := ippclient.New(a.deviceURI)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	msg := dev.NewRequest(goipp.OpPrintJob)
	msg.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String(format)))
	msg.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName,
		goipp.String(fmt.Sprintf("proxy-%d", jobID))))
	resp, err := dev.DoStatus(ctx, msg, f)
	if err != nil {
		return fmt.Errorf("device Print-Job: %w", err)
	}
	devJobID := ippclient.AttrInt(resp.Job, "job-id", 0)
	if groups := ippclient.GroupsOf(resp, goipp.TagJobGroup); devJobID == 0 && len(groups) > 0 {
		devJobID = ippclient.AttrInt(groups[0], "job-id", 0)
	}
	if devJobID == 0 {
		return nil // device accepted without a job handle; assume done
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		if a.remoteCanceled(jobID) {
			cancel := dev.NewRequest(goipp.OpCancelJob)
			cancel.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(devJobID)))
			if _, err := dev.DoStatus(ctx, cancel, nil); err != nil {
				slog.Debug("failed to cancel device job", "error", err)
			}
			return fmt.Errorf("job canceled")
		}
		get := dev.NewRequest(goipp.OpGetJobAttributes)
		get.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(devJobID)))
		st, err := dev.DoStatus(ctx, get, nil)
		if err != nil {
			return fmt.Errorf("device Get-Job-Attributes: %w", err)
		}
		jobAttrs := st.Job
		if groups := ippclient.GroupsOf(st, goipp.TagJobGroup); len(groups) > 0 {
			jobAttrs = groups[0]
		}
		switch JobState(ippclient.AttrInt(jobAttrs, "job-state", 0)) {
		case JobCompleted:
			return nil
		case JobCanceled, JobAborted:
			return fmt.Errorf("device job failed")
		}
	}
}

func (a *Agent) addJobTarget(msg *goipp.Message, jobID int) {
	msg.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	msg.Operation.Add(goipp.MakeAttribute("output-device-uuid", goipp.TagURI,
		goipp.String("urn:uuid:"+a.uuid)))
}

func (a *Agent) acknowledgeJob(ctx context.Context, jobID int) error {
	msg := a.client.NewRequest(goipp.OpAcknowledgeJob)
	a.addJobTarget(msg, jobID)
	if _, err := a.client.DoStatus(ctx, msg, nil); err != nil {
		return fmt.Errorf("Acknowledge-Job: %w", err)
	}
	return nil
}

func (a *Agent) updateJobStatus(ctx context.Context, jobID int, state JobState) error {
	msg := a.client.NewRequest(goipp.OpUpdateJobStatus)
	a.addJobTarget(msg, jobID)
	msg.Operation.Add(goipp.MakeAttribute("output-device-job-state", goipp.TagEnum, goipp.Integer(state)))
	_, err := a.client.DoStatus(ctx, msg, nil)
	return err
}

func (a *Agent) updateDocumentStatus(ctx context.Context, jobID, docNum int, state JobState) error {
	msg := a.client.NewRequest(goipp.OpUpdateDocumentStatus)
	a.addJobTarget(msg, jobID)
	msg.Operation.Add(goipp.MakeAttribute("document-number", goipp.TagInteger, goipp.Integer(docNum)))
	msg.Operation.Add(goipp.MakeAttribute("output-device-document-state", goipp.TagEnum, goipp.Integer(state)))
	_, err := a.client.DoStatus(ctx, msg, nil)
	return err
}

// syncDeviceAttributes pushes the delta of the local device's capability
// whitelist to the infrastructure printer.
func (a *Agent) syncDeviceAttributes(ctx context.Context, current goipp.Attributes) error {
	if current == nil {
		current = a.probeDevice(ctx)
	}
	delta := attrDelta(a.devAttrs, current)
	if len(delta) == 0 {
		return nil
	}
	msg := a.client.NewRequest(goipp.OpupdateOutputDeviceAttributes)
	msg.Operation.Add(goipp.MakeAttribute("output-device-uuid", goipp.TagURI,
		goipp.String("urn:uuid:"+a.uuid)))
	msg.Groups = goipp.Groups{
		{Tag: goipp.TagOperationGroup, Attrs: msg.Operation},
		{Tag: goipp.TagPrinterGroup, Attrs: delta},
	}
	if _, err := a.client.DoStatus(ctx, msg, nil); err != nil {
		return err
	}
	a.devAttrs = current
	slog.Debug("device attributes synced", "attrs", len(delta))
	return nil
}

// deviceAttrWhitelist is the fixed set of supported/default attributes the
// proxy forwards upstream.
var deviceAttrWhitelist = []string{
	"color-supported",
	"copies-supported",
	"document-format-supported",
	"document-format-default",
	"finishings-supported",
	"media-supported",
	"media-default",
	"print-color-mode-supported",
	"print-quality-supported",
	"printer-resolution-supported",
	"printer-state",
	"printer-state-reasons",
	"sides-supported",
	"sides-default",
	"urf-supported",
}

// probeDevice queries an IPP device for its whitelist attributes; raw
// socket devices report a fixed minimal set.
func (a *Agent) probeDevice(ctx context.Context) goipp.Attributes {
	var out goipp.Attributes
	if strings.HasPrefix(a.deviceURI, "ipp://") || strings.HasPrefix(a.deviceURI, "ipps://") {
		dev, err := ippclient.New(a.deviceURI)
		if err != nil {
			return out
		}
		msg := dev.NewRequest(goipp.OpGetPrinterAttributes)
		rq := goipp.Attribute{Name: "requested-attributes"}
		for _, name := range deviceAttrWhitelist {
			rq.Values.Add(goipp.TagKeyword, goipp.String(name))
		}
		msg.Operation.Add(rq)
		resp, err := dev.DoStatus(ctx, msg, nil)
		if err != nil {
			slog.Debug("device probe failed", "error", err)
			return out
		}
		printer := resp.Printer
		if groups := ippclient.GroupsOf(resp, goipp.TagPrinterGroup); len(groups) > 0 {
			printer = groups[0]
		}
		want := make(map[string]bool, len(deviceAttrWhitelist))
		for _, name := range deviceAttrWhitelist {
			want[name] = true
		}
		for _, attr := range printer {
			if want[attr.Name] {
				out.Add(attr)
			}
		}
		return out
	}
	out.Add(goipp.MakeAttribute("printer-state", goipp.TagEnum, goipp.Integer(3)))
	out.Add(goipp.MakeAttribute("printer-state-reasons", goipp.TagKeyword, goipp.String("none")))
	out.Add(goipp.MakeAttribute("document-format-supported", goipp.TagMimeType,
		goipp.String("application/octet-stream")))
	return out
}

// attrDelta returns the attributes of next that differ from prev.
func attrDelta(prev, next goipp.Attributes) goipp.Attributes {
	var delta goipp.Attributes
	for _, attr := range next {
		old, ok := ippclient.FindAttr(prev, attr.Name)
		if !ok || !old.Equal(attr.Values) {
			delta.Add(attr)
		}
	}
	return delta
}
