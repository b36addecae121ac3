// Package proxy implements the infrastructure-printer agent: it registers
// an output device against a remote IPP Infrastructure Printer, polls its
// event notifications, fetches queued jobs and documents, relays them to a
// local device and reports job and document state back.
package proxy

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"

	"github.com/rusq/ippserver/ippclient"
)

// Agent is one proxy instance bound to a remote infrastructure printer and
// a local device URI.
type Agent struct {
	client    *ippclient.Client
	deviceURI string
	uuid      string // device UUID, derived from the device URI

	mu       sync.Mutex
	cond     *sync.Cond
	jobs     []*proxyJob
	remote   map[int]goipp.Values // cached remote job states, keyed by job-id
	subID    int
	lastSeq  int
	interval time.Duration

	devAttrs goipp.Attributes // last attributes pushed upstream
}

// proxyJob tracks one remote job being relayed.
type proxyJob struct {
	remoteID int
	state    JobState
}

// JobState mirrors the IPP job-state enum for the proxy's local tracking.
type JobState int

const (
	JobPending    JobState = 3
	JobProcessing JobState = 5
	JobCanceled   JobState = 7
	JobAborted    JobState = 8
	JobCompleted  JobState = 9
)

// New creates an agent for the given infrastructure printer URI.
func New(printerURI, deviceURI, username, password string) (*Agent, error) {
	client, err := ippclient.New(printerURI, ippclient.WithCredentials(username, password))
	if err != nil {
		return nil, err
	}
	a := &Agent{
		client:    client,
		deviceURI: deviceURI,
		uuid:      DeviceUUID(deviceURI),
		remote:    make(map[int]goipp.Values),
		interval:  5 * time.Second,
	}
	a.cond = sync.NewCond(&a.mu)
	return a, nil
}

// DeviceUUID derives the stable output device UUID from the device URI: a
// SHA-256 based RFC 4122 v3-style identifier, so restarts keep the same
// registration.
func DeviceUUID(deviceURI string) string {
	sum := sha256.Sum256([]byte(deviceURI))
	// fold the hash into the 16 UUID bytes
	var b [16]byte
	copy(b[:], sum[:])
	for i, v := range sum[16:] {
		b[i%16] ^= v
	}
	b[6] = (b[6] & 0x0f) | 0x30 // version 3
	b[8] = (b[8] & 0x3f) | 0x80 // RFC 4122 variant
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// UUID returns the agent's device UUID.
func (a *Agent) UUID() string { return a.uuid }

// Run connects to the infrastructure printer, registers the output device,
// creates the pull subscription and runs the event and job loops until ctx
// is canceled.
func (a *Agent) Run(ctx context.Context) error {
	attrs, err := a.client.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach infrastructure printer: %w", err)
	}
	slog.Info("connected", "printer", a.client.URI(),
		"make_and_model", firstPrinterAttr(attrs, "printer-make-and-model"))

	if err := a.register(ctx); err != nil {
		return err
	}
	if err := a.syncDeviceAttributes(ctx, nil); err != nil {
		slog.Error("initial device attribute sync failed", "error", err)
	}
	if err := a.subscribe(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.jobLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.eventLoop(ctx)
		a.mu.Lock()
		a.cond.Broadcast() // unblock the job loop on shutdown
		a.mu.Unlock()
	}()
	wg.Wait()

	dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.deregister(dctx)
	return ctx.Err()
}

func (a *Agent) register(ctx context.Context) error {
	msg := a.client.NewRequest(goipp.OpRegisterOutputDevice)
	msg.Operation.Add(goipp.MakeAttribute("output-device-uuid", goipp.TagURI,
		goipp.String("urn:uuid:"+a.uuid)))
	if _, err := a.client.DoStatus(ctx, msg, nil); err != nil {
		return fmt.Errorf("failed to register output device: %w", err)
	}
	slog.Info("output device registered", "uuid", a.uuid)
	return nil
}

func (a *Agent) deregister(ctx context.Context) {
	msg := a.client.NewRequest(goipp.OpDeregisterOutputDevice)
	msg.Operation.Add(goipp.MakeAttribute("output-device-uuid", goipp.TagURI,
		goipp.String("urn:uuid:"+a.uuid)))
	if _, err := a.client.DoStatus(ctx, msg, nil); err != nil {
		slog.Debug("failed to deregister output device", "error", err)
	}
}

// subscribe creates the pull subscription for job, document and printer
// change events.
func (a *Agent) subscribe(ctx context.Context) error {
	msg := a.client.NewRequest(goipp.OpCreatePrinterSubscriptions)
	var sub goipp.Attributes
	events := goipp.MakeAttribute("notify-events", goipp.TagKeyword, goipp.String("job-fetchable"))
	for _, kw := range []string{
		"job-state-changed", "job-config-changed",
		"document-state-changed", "document-config-changed",
		"printer-state-changed", "printer-config-changed",
	} {
		events.Values.Add(goipp.TagKeyword, goipp.String(kw))
	}
	sub.Add(events)
	sub.Add(goipp.MakeAttribute("notify-pull-method", goipp.TagKeyword, goipp.String("ippget")))
	sub.Add(goipp.MakeAttribute("notify-lease-duration", goipp.TagInteger, goipp.Integer(0)))
	msg.Groups = goipp.Groups{
		{Tag: goipp.TagOperationGroup, Attrs: msg.Operation},
		{Tag: goipp.TagSubscriptionGroup, Attrs: sub},
	}

	resp, err := a.client.DoStatus(ctx, msg, nil)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	for _, g := range ippclient.GroupsOf(resp, goipp.TagSubscriptionGroup) {
		if id := ippclient.AttrInt(g, "notify-subscription-id", 0); id > 0 {
			a.subID = id
			break
		}
	}
	if a.subID == 0 {
		return fmt.Errorf("no subscription id in response")
	}
	slog.Info("subscribed for events", "notify_subscription_id", a.subID)
	return nil
}

// eventLoop polls Get-Notifications and feeds fetchable jobs to the job
// loop. The poll interval follows notify-get-interval, clamped to
// [1, 3600] seconds.
func (a *Agent) eventLoop(ctx context.Context) {
	for {
		if err := a.pollEvents(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("event poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.pollInterval()):
		}
	}
}

func (a *Agent) pollInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interval
}

func (a *Agent) pollEvents(ctx context.Context) error {
	msg := a.client.NewRequest(goipp.OpGetNotifications)
	msg.Operation.Add(goipp.MakeAttribute("notify-subscription-ids", goipp.TagInteger,
		goipp.Integer(a.subID)))
	a.mu.Lock()
	since := a.lastSeq + 1
	a.mu.Unlock()
	msg.Operation.Add(goipp.MakeAttribute("notify-sequence-numbers", goipp.TagInteger,
		goipp.Integer(since)))
	msg.Operation.Add(goipp.MakeAttribute("notify-wait", goipp.TagBoolean, goipp.Boolean(true)))

	resp, err := a.client.DoStatus(ctx, msg, nil)
	if err != nil {
		return err
	}

	if iv := ippclient.AttrInt(resp.Operation, "notify-get-interval", 0); iv > 0 {
		a.mu.Lock()
		a.interval = clampSeconds(iv)
		a.mu.Unlock()
	}

	for _, ev := range ippclient.GroupsOf(resp, goipp.TagEventNotificationGroup) {
		a.handleEvent(ev)
	}
	return nil
}

func clampSeconds(v int) time.Duration {
	if v < 1 {
		v = 1
	}
	if v > 3600 {
		v = 3600
	}
	return time.Duration(v) * time.Second
}

func (a *Agent) handleEvent(ev goipp.Attributes) {
	seq := ippclient.AttrInt(ev, "notify-sequence-number", 0)
	kind := ippclient.AttrString(ev, "notify-subscribed-event", "")
	jobID := ippclient.AttrInt(ev, "notify-job-id", 0)

	a.mu.Lock()
	defer a.mu.Unlock()
	if seq > a.lastSeq {
		a.lastSeq = seq
	}

	switch kind {
	case "job-fetchable":
		if jobID == 0 {
			return
		}
		for _, pj := range a.jobs {
			if pj.remoteID == jobID {
				return // already queued
			}
		}
		a.jobs = append(a.jobs, &proxyJob{remoteID: jobID, state: JobPending})
		slog.Info("job fetchable", "job_id", jobID)
		a.cond.Broadcast()
	case "job-state-changed":
		// cache the remote state so in-flight work notices cancellation
		if vv, ok := ippclient.FindAttr(ev, "job-state"); ok && jobID != 0 {
			a.remote[jobID] = vv
		}
	}
}

// remoteCanceled reports whether the infrastructure printer canceled the
// job behind our back.
func (a *Agent) remoteCanceled(jobID int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	vv, ok := a.remote[jobID]
	if !ok || len(vv) == 0 {
		return false
	}
	if v, ok := vv[0].V.(goipp.Integer); ok {
		return JobState(v) == JobCanceled || JobState(v) == JobAborted
	}
	return false
}

func firstPrinterAttr(msg *goipp.Message, name string) string {
	if s := ippclient.AttrString(msg.Printer, name, ""); s != "" {
		return s
	}
	for _, g := range ippclient.GroupsOf(msg, goipp.TagPrinterGroup) {
		if s := ippclient.AttrString(g, name, ""); s != "" {
			return s
		}
	}
	return ""
}
