package ippsrv_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rusq/ippserver/ippclient"
	"github.com/rusq/ippserver/ippsrv"
)

// startServer brings up a System behind an httptest server and returns a
// client bound to the named printer.
func startServer(t *testing.T, cfg *ippsrv.Config, def ippsrv.PrinterDef) (*ippsrv.System, *httptest.Server, *ippclient.Client) {
	t.Helper()
	if cfg == nil {
		cfg = &ippsrv.Config{}
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = t.TempDir()
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []ippsrv.Listener{{Host: "", Port: 8631}}
	}
	sys, err := ippsrv.New(cfg)
	require.NoError(t, err)
	if def.Name != "" {
		_, err = sys.AddPrinter(def)
		require.NoError(t, err)
	}
	srv := httptest.NewServer(sys.Routes())
	t.Cleanup(func() {
		srv.Close()
		_ = sys.Shutdown(context.Background())
	})

	var client *ippclient.Client
	if def.Name != "" {
		client, err = ippclient.New(srv.URL + "/ipp/print/" + def.Name)
		require.NoError(t, err)
	}
	return sys, srv, client
}

// script writes an executable shell script for use as a print command.
func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "command.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func jobGroup(t *testing.T, resp *goipp.Message) goipp.Attributes {
	t.Helper()
	if groups := ippclient.GroupsOf(resp, goipp.TagJobGroup); len(groups) > 0 {
		return groups[0]
	}
	return resp.Job
}

func pollJobState(t *testing.T, client *ippclient.Client, jobID int, want string, timeout time.Duration) goipp.Attributes {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg := client.NewRequest(goipp.OpGetJobAttributes)
		msg.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
		resp, err := client.DoStatus(t.Context(), msg, nil)
		require.NoError(t, err)
		attrs := jobGroup(t, resp)
		state := ippsrv.JobState(ippclient.AttrInt(attrs, "job-state", 0))
		if state.String() == want {
			return attrs
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("job %d did not reach state %q within %v", jobID, want, timeout)
	return nil
}

func TestSubmitAndComplete(t *testing.T) {
	_, _, client := startServer(t, nil, ippsrv.PrinterDef{
		Name:          "demo",
		Command:       "/bin/true",
		Formats:       []string{"application/pdf"},
		InitAccepting: true,
	})

	msg := client.NewRequest(goipp.OpPrintJob)
	msg.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String("hello")))
	msg.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String("application/pdf")))
	resp, err := client.DoStatus(t.Context(), msg, strings.NewReader("x"))
	require.NoError(t, err)
	require.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))

	attrs := jobGroup(t, resp)
	jobID := ippclient.AttrInt(attrs, "job-id", 0)
	require.Equal(t, 1, jobID)
	state := ippsrv.JobState(ippclient.AttrInt(attrs, "job-state", 0))
	assert.Contains(t, []ippsrv.JobState{ippsrv.JobPending, ippsrv.JobProcessing}, state)

	final := pollJobState(t, client, jobID, "completed", 10*time.Second)
	assert.Contains(t, ippclient.AttrStrings(final, "job-state-reasons"), "job-completed-successfully")
}

func TestCancelWhileProcessing(t *testing.T) {
	_, _, client := startServer(t, nil, ippsrv.PrinterDef{
		Name:          "slow",
		Command:       script(t, "sleep 10"),
		Formats:       []string{"application/pdf"},
		InitAccepting: true,
	})

	msg := client.NewRequest(goipp.OpPrintJob)
	msg.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String("long")))
	resp, err := client.DoStatus(t.Context(), msg, strings.NewReader("x"))
	require.NoError(t, err)
	jobID := ippclient.AttrInt(jobGroup(t, resp), "job-id", 0)
	require.NotZero(t, jobID)

	time.Sleep(100 * time.Millisecond)

	cancel := client.NewRequest(goipp.OpCancelJob)
	cancel.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	_, err = client.DoStatus(t.Context(), cancel, nil)
	require.NoError(t, err)

	final := pollJobState(t, client, jobID, "canceled", 10*time.Second)
	assert.Contains(t, ippclient.AttrStrings(final, "job-state-reasons"), "job-canceled-by-user")
}

func TestAuthRequired(t *testing.T) {
	cfg := &ippsrv.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.TestPassword = "s3cret"
	_, srv, _ := startServer(t, cfg, ippsrv.PrinterDef{
		Name: "locked", Formats: []string{"application/pdf"}, InitAccepting: true,
	})

	// unauthenticated request is challenged
	msg := goipp.NewRequest(goipp.DefaultVersion, goipp.OpGetPrinterAttributes, 1)
	msg.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	msg.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-us")))
	msg.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(srv.URL+"/ipp/print/locked")))
	payload, err := msg.EncodeBytes()
	require.NoError(t, err)
	httpResp, err := http.Post(srv.URL+"/ipp/print/locked", "application/ipp", strings.NewReader(string(payload)))
	require.NoError(t, err)
	defer httpResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, httpResp.StatusCode)
	www := httpResp.Header.Get("WWW-Authenticate")
	assert.Contains(t, www, `Basic realm="Printing"`)
	assert.Contains(t, www, `charset="UTF-8"`)

	// with credentials the same operation succeeds
	authed, err := ippclient.New(srv.URL+"/ipp/print/locked", ippclient.WithCredentials("user", "s3cret"))
	require.NoError(t, err)
	get := authed.NewRequest(goipp.OpGetPrinterAttributes)
	resp, err := authed.DoStatus(t.Context(), get, nil)
	require.NoError(t, err)
	assert.Equal(t, goipp.StatusOk, goipp.Status(resp.Code))
}

func TestEncryptionRequired(t *testing.T) {
	cfg := &ippsrv.Config{Encryption: ippsrv.EncryptionRequired}
	_, srv, _ := startServer(t, cfg, ippsrv.PrinterDef{
		Name: "tlsonly", Formats: []string{"application/pdf"}, InitAccepting: true,
	})

	resp, err := http.Get(srv.URL + "/ipp/print/tlsonly")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Upgrade"), "TLS")

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/", nil)
	require.NoError(t, err)
	opt, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer opt.Body.Close()
	assert.Equal(t, http.StatusOK, opt.StatusCode)
	assert.NotEmpty(t, opt.Header.Get("Allow"))
}

func TestSubscriptionNotifications(t *testing.T) {
	_, _, client := startServer(t, nil, ippsrv.PrinterDef{
		Name:          "notify",
		Command:       "/bin/true",
		Formats:       []string{"application/pdf"},
		InitAccepting: true,
	})

	// subscribe for job-state-changed
	sub := client.NewRequest(goipp.OpCreatePrinterSubscriptions)
	var subAttrs goipp.Attributes
	subAttrs.Add(goipp.MakeAttribute("notify-events", goipp.TagKeyword, goipp.String("job-state-changed")))
	subAttrs.Add(goipp.MakeAttribute("notify-pull-method", goipp.TagKeyword, goipp.String("ippget")))
	sub.Groups = goipp.Groups{
		{Tag: goipp.TagOperationGroup, Attrs: sub.Operation},
		{Tag: goipp.TagSubscriptionGroup, Attrs: subAttrs},
	}
	resp, err := client.DoStatus(t.Context(), sub, nil)
	require.NoError(t, err)
	var subID int
	for _, g := range ippclient.GroupsOf(resp, goipp.TagSubscriptionGroup) {
		subID = ippclient.AttrInt(g, "notify-subscription-id", 0)
	}
	require.NotZero(t, subID)

	// print a job and wait for its events
	pj := client.NewRequest(goipp.OpPrintJob)
	pj.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String("evt")))
	_, err = client.DoStatus(t.Context(), pj, strings.NewReader("x"))
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	var seqs []int
	for time.Now().Before(deadline) && len(seqs) < 2 {
		get := client.NewRequest(goipp.OpGetNotifications)
		get.Operation.Add(goipp.MakeAttribute("notify-subscription-ids", goipp.TagInteger, goipp.Integer(subID)))
		get.Operation.Add(goipp.MakeAttribute("notify-wait", goipp.TagBoolean, goipp.Boolean(true)))
		nresp, err := client.DoStatus(t.Context(), get, nil)
		require.NoError(t, err)
		assert.Positive(t, ippclient.AttrInt(nresp.Operation, "notify-get-interval", 0))
		seqs = seqs[:0]
		for _, ev := range ippclient.GroupsOf(nresp, goipp.TagEventNotificationGroup) {
			assert.Equal(t, "job-state-changed", ippclient.AttrString(ev, "notify-subscribed-event", ""))
			seqs = append(seqs, ippclient.AttrInt(ev, "notify-sequence-number", 0))
		}
	}
	require.GreaterOrEqual(t, len(seqs), 2, "expected processing and completion events")
	assert.Equal(t, 1, seqs[0])
	assert.Equal(t, 2, seqs[1])
}

func TestProxyOperations(t *testing.T) {
	const deviceUUID = "12345678-1234-3234-8234-123456789012"
	_, _, client := startServer(t, nil, ippsrv.PrinterDef{
		Name:          "infra",
		Formats:       []string{"application/pdf"},
		InitAccepting: true,
	})

	// register the output device
	reg := client.NewRequest(goipp.OpRegisterOutputDevice)
	reg.Operation.Add(goipp.MakeAttribute("output-device-uuid", goipp.TagURI, goipp.String("urn:uuid:"+deviceUUID)))
	_, err := client.DoStatus(t.Context(), reg, nil)
	require.NoError(t, err)

	// submit a job; with a registered device and no command it becomes
	// fetchable
	const docBody = "%PDF-1.4 test document"
	pj := client.NewRequest(goipp.OpPrintJob)
	pj.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String("application/pdf")))
	resp, err := client.DoStatus(t.Context(), pj, strings.NewReader(docBody))
	require.NoError(t, err)
	jobID := ippclient.AttrInt(jobGroup(t, resp), "job-id", 0)
	require.NotZero(t, jobID)

	// wait for job-fetchable
	deadline := time.Now().Add(10 * time.Second)
	for {
		msg := client.NewRequest(goipp.OpGetJobAttributes)
		msg.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
		st, err := client.DoStatus(t.Context(), msg, nil)
		require.NoError(t, err)
		if contains(ippclient.AttrStrings(jobGroup(t, st), "job-state-reasons"), "job-fetchable") {
			break
		}
		require.True(t, time.Now().Before(deadline), "job never became fetchable")
		time.Sleep(50 * time.Millisecond)
	}

	addDevice := func(msg *goipp.Message) {
		msg.Operation.Add(goipp.MakeAttribute("output-device-uuid", goipp.TagURI, goipp.String("urn:uuid:"+deviceUUID)))
	}

	// Fetch-Job
	fetch := client.NewRequest(goipp.OpFetchJob)
	fetch.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	addDevice(fetch)
	fresp, err := client.DoStatus(t.Context(), fetch, nil)
	require.NoError(t, err)
	assert.Equal(t, jobID, ippclient.AttrInt(jobGroup(t, fresp), "job-id", 0))

	// a second fetch by another device must fail with not-fetchable
	second := client.NewRequest(goipp.OpFetchJob)
	second.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	second.Operation.Add(goipp.MakeAttribute("output-device-uuid", goipp.TagURI,
		goipp.String("urn:uuid:00000000-0000-3000-8000-000000000000")))
	_, err = client.DoStatus(t.Context(), second, nil)
	require.Error(t, err)

	// Acknowledge-Job takes ownership
	ack := client.NewRequest(goipp.OpAcknowledgeJob)
	ack.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	addDevice(ack)
	_, err = client.DoStatus(t.Context(), ack, nil)
	require.NoError(t, err)

	// Fetch-Document returns the exact submitted bytes
	fd := client.NewRequest(goipp.OpFetchDocument)
	fd.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	fd.Operation.Add(goipp.MakeAttribute("document-number", goipp.TagInteger, goipp.Integer(1)))
	addDevice(fd)
	dresp, body, err := client.Do(t.Context(), fd, nil)
	require.NoError(t, err)
	defer body.Close()
	require.Equal(t, goipp.StatusOk, goipp.Status(dresp.Code))
	assert.Equal(t, "application/pdf", ippclient.AttrString(dresp.Operation, "document-format", ""))
	data := make([]byte, len(docBody)+16)
	n, _ := body.Read(data)
	assert.Equal(t, docBody, string(data[:n]))

	// report completion
	upd := client.NewRequest(goipp.OpUpdateJobStatus)
	upd.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
	upd.Operation.Add(goipp.MakeAttribute("output-device-job-state", goipp.TagEnum, goipp.Integer(ippsrv.JobCompleted)))
	addDevice(upd)
	_, err = client.DoStatus(t.Context(), upd, nil)
	require.NoError(t, err)

	pollJobState(t, client, jobID, "completed", 5*time.Second)
}

func TestGetPrinters(t *testing.T) {
	sys, srv, _ := startServer(t, nil, ippsrv.PrinterDef{
		Name: "one", Formats: []string{"application/pdf"}, InitAccepting: true,
	})
	_, err := sys.AddPrinter(ippsrv.PrinterDef{Name: "two", InitAccepting: true})
	require.NoError(t, err)

	client, err := ippclient.New(srv.URL + "/ipp/system")
	require.NoError(t, err)
	msg := client.NewRequest(goipp.OpGetPrinters)
	resp, err := client.DoStatus(t.Context(), msg, nil)
	require.NoError(t, err)
	assert.Len(t, ippclient.GroupsOf(resp, goipp.TagPrinterGroup), 2)
}

func TestWebSurface(t *testing.T) {
	_, srv, _ := startServer(t, nil, ippsrv.PrinterDef{
		Name: "web", Formats: []string{"application/pdf"}, InitAccepting: true,
	})

	t.Run("status page", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/ipp/print/web")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	})
	t.Run("icon", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/ipp/print/web/icon.png")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	})
	t.Run("mobileconfig", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/ipp/print/web/apple.mobileconfig")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "apple-aspen-config")
	})
	t.Run("unknown printer", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/ipp/print/nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
