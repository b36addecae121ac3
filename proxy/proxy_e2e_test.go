package proxy_test

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rusq/ippserver/ippclient"
	"github.com/rusq/ippserver/ippsrv"
	"github.com/rusq/ippserver/proxy"
)

// TestProxyRelay runs the full loop: an infrastructure printer, a raw
// socket device, and the agent relaying a submitted job between them.
func TestProxyRelay(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end test")
	}

	// fake AppSocket device collecting everything it receives
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- string(data)
	}()

	// infrastructure printer
	cfg := &ippsrv.Config{SpoolDir: t.TempDir(), Hostname: "localhost"}
	cfg.Listeners = []ippsrv.Listener{{Port: 8631}}
	sys, err := ippsrv.New(cfg)
	require.NoError(t, err)
	_, err = sys.AddPrinter(ippsrv.PrinterDef{
		Name: "infra", Formats: []string{"application/pdf"}, InitAccepting: true,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(sys.Routes())
	defer srv.Close()
	defer sys.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent, err := proxy.New(srv.URL+"/ipp/print/infra", "socket://"+ln.Addr().String(), "", "")
	require.NoError(t, err)
	agentDone := make(chan error, 1)
	go func() { agentDone <- agent.Run(ctx) }()

	// give the agent a moment to register and subscribe, then submit
	time.Sleep(500 * time.Millisecond)

	client, err := ippclient.New(srv.URL + "/ipp/print/infra")
	require.NoError(t, err)
	const docBody = "%PDF-1.4 relayed document"
	pj := client.NewRequest(goipp.OpPrintJob)
	pj.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String("application/pdf")))
	resp, err := client.DoStatus(ctx, pj, strings.NewReader(docBody))
	require.NoError(t, err)
	jobID := ippclient.AttrInt(resp.Job, "job-id", 0)
	if groups := ippclient.GroupsOf(resp, goipp.TagJobGroup); jobID == 0 && len(groups) > 0 {
		jobID = ippclient.AttrInt(groups[0], "job-id", 0)
	}
	require.NotZero(t, jobID)

	// the device receives the exact bytes
	select {
	case data := <-received:
		assert.Equal(t, docBody, data)
	case <-time.After(30 * time.Second):
		t.Fatal("device never received the document")
	}

	// and the infrastructure job completes
	deadline := time.Now().Add(30 * time.Second)
	for {
		get := client.NewRequest(goipp.OpGetJobAttributes)
		get.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(jobID)))
		st, err := client.DoStatus(ctx, get, nil)
		require.NoError(t, err)
		attrs := st.Job
		if groups := ippclient.GroupsOf(st, goipp.TagJobGroup); len(groups) > 0 {
			attrs = groups[0]
		}
		if ippclient.AttrInt(attrs, "job-state", 0) == int(ippsrv.JobCompleted) {
			break
		}
		if !time.Now().Before(deadline) {
			t.Fatalf("job %d never completed", jobID)
		}
		time.Sleep(100 * time.Millisecond)
	}

	cancel()
	select {
	case <-agentDone:
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}
}
