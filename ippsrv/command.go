package ippsrv

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/OpenPrinting/goipp"
)

// commandEnv builds the IPP_* environment for an external print command.
// Every job ticket attribute and every printer *-default attribute becomes
// IPP_<NAME>=<value> with dashes mapped to underscores. CONTENT_TYPE and
// DEVICE_URI are reserved names set from the job and printer.
func commandEnv(p *Printer, j *Job) []string {
	env := append([]string(nil), os.Environ()...)

	add := func(name string, attr goipp.Attribute) {
		key := "IPP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		env = append(env, key+"="+envValue(attr))
	}

	p.mu.RLock()
	for _, attr := range p.attrs {
		if strings.HasSuffix(attr.Name, "-default") || strings.HasSuffix(attr.Name, "-configured") {
			add(attr.Name, attr)
		}
	}
	deviceURI := p.deviceURI
	outputFormat := p.outputFormat
	p.mu.RUnlock()

	j.mu.RLock()
	for _, attr := range j.attrs {
		add(attr.Name, attr)
	}
	format := j.format
	j.mu.RUnlock()

	if format != "" {
		env = append(env, "CONTENT_TYPE="+format)
	}
	if deviceURI != "" {
		env = append(env, "DEVICE_URI="+deviceURI)
	}
	if outputFormat != "" {
		env = append(env, "OUTPUT_TYPE="+outputFormat)
	}
	return env
}

// envValue formats an attribute value per the IPP text rules: multiple
// values are comma-joined, collections use {name=value} pairs.
func envValue(attr goipp.Attribute) string {
	var parts []string
	for _, v := range attr.Values {
		parts = append(parts, formatValue(v.T, v.V))
	}
	return strings.Join(parts, ",")
}

func formatValue(tag goipp.Tag, v goipp.Value) string {
	switch val := v.(type) {
	case goipp.Boolean:
		if val {
			return "true"
		}
		return "false"
	case goipp.Collection:
		var members []string
		for _, m := range goipp.Attributes(val) {
			members = append(members, m.Name+"="+envValue(m))
		}
		return "{" + strings.Join(members, " ") + "}"
	case goipp.Resolution:
		unit := "dpi"
		if val.Units == goipp.UnitsDpcm {
			unit = "dpcm"
		}
		return fmt.Sprintf("%dx%d%s", val.Xres, val.Yres, unit)
	case goipp.Range:
		return fmt.Sprintf("%d-%d", val.Lower, val.Upper)
	default:
		return v.String()
	}
}

// runCommand executes the printer's external command for a job: stdin is
// the spooled document, stdout goes to the device (socket device URI) or
// an output file under the data directory, and stderr carries the ATTR:/
// STATE:/DEBUG:/INFO:/ERROR: side channel.
//
// The returned error is nil when the command exits 0.
func (sys *System) runCommand(p *Printer, j *Job, doc *Document) error {
	cmd := exec.Command(p.command)
	cmd.Env = commandEnv(p, j)

	in, err := os.Open(doc.path)
	if err != nil {
		return fmt.Errorf("failed to open spool file: %w", err)
	}
	defer in.Close()
	cmd.Stdin = in

	var out io.WriteCloser
	switch {
	case strings.HasPrefix(p.deviceURI, "socket://"):
		conn, err := net.DialTimeout("tcp", deviceHostPort(p.deviceURI), 30*time.Second)
		if err != nil {
			return fmt.Errorf("failed to connect to device: %w", err)
		}
		out = conn
	case sys.cfg.DataDir != "":
		f, err := os.Create(sys.outputPath(p, j, doc))
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		out = f
	default:
		out = nopWriteCloser{io.Discard}
	}
	defer out.Close()
	cmd.Stdout = out

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command %q: %w", p.command, err)
	}

	j.mu.Lock()
	j.signal = func() {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	j.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sys.readSideChannel(p, j, stderr)
		close(done)
	}()

	waitC := make(chan error, 1)
	go func() { waitC <- cmd.Wait() }()

	grace := sys.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	var werr error
	select {
	case werr = <-waitC:
	case <-p.shutdown:
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case werr = <-waitC:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			werr = <-waitC
		}
	}
	<-done

	j.mu.Lock()
	j.signal = nil
	j.mu.Unlock()

	return werr
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// deviceHostPort extracts host:port from a socket:// device URI, defaulting
// to the AppSocket port 9100.
func deviceHostPort(uri string) string {
	hp := strings.TrimPrefix(uri, "socket://")
	hp = strings.TrimSuffix(hp, "/")
	if !strings.Contains(hp, ":") {
		hp += ":9100"
	}
	return hp
}

func (sys *System) outputPath(p *Printer, j *Job, doc *Document) string {
	ext := extForFormat(p.outputFormat)
	if p.outputFormat == "" {
		ext = extForFormat(doc.format)
	}
	return fmt.Sprintf("%s/%s-%d.%s", sys.cfg.DataDir, sanitizeName(p.name), j.id, ext)
}

// readSideChannel consumes a command's stderr line by line and applies
// ATTR:, STATE:, DEBUG:, INFO: and ERROR: messages.
func (sys *System) readSideChannel(p *Printer, j *Job, r io.Reader) {
	lg := slog.With("printer", p.name, "job_id", j.id)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "ATTR:"):
			sys.processAttrMessage(p, j, strings.TrimSpace(line[5:]))
			lg.Debug("command attr", "line", line)
		case strings.HasPrefix(line, "STATE:"):
			sys.processStateMessage(p, strings.TrimSpace(line[6:]))
			lg.Debug("command state", "line", line)
		case strings.HasPrefix(line, "DEBUG:"):
			lg.Debug("command", "message", strings.TrimSpace(line[6:]))
		case strings.HasPrefix(line, "INFO:"):
			lg.Info("command", "message", strings.TrimSpace(line[5:]))
		case strings.HasPrefix(line, "ERROR:"):
			msg := strings.TrimSpace(line[6:])
			j.mu.Lock()
			j.message = msg
			j.mu.Unlock()
			lg.Error("command", "message", msg)
		default:
			lg.Info("command", "message", line)
		}
	}
	if err := sc.Err(); err != nil {
		lg.Error("error reading command stderr", "error", err)
	}
}

// processAttrMessage handles "ATTR: name=value [name=value ...]" updates.
// Reserved job counters update the job; everything else updates the
// printer attribute set atomically.
func (sys *System) processAttrMessage(p *Printer, j *Job, msg string) {
	options := parseOptions(msg)
	for name, value := range options {
		switch name {
		case "job-impressions":
			j.mu.Lock()
			fmt.Sscanf(value, "%d", &j.impressions)
			j.mu.Unlock()
		case "job-impressions-completed":
			j.mu.Lock()
			fmt.Sscanf(value, "%d", &j.impcompleted)
			j.mu.Unlock()
			sys.addEvent(p, j, nil, EvtJobProgress, "Job progress.")
		default:
			p.mu.Lock()
			replaceAttr(&p.attrs, name, value)
			p.configTime = time.Now()
			p.mu.Unlock()
			sys.addEvent(p, nil, nil, EvtPrinterConfigChanged, "Printer attributes changed.")
		}
	}
}

// parseOptions splits "name=value name=value" pairs; values may be quoted.
func parseOptions(s string) map[string]string {
	out := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t")
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			break
		}
		name := s[:eq]
		s = s[eq+1:]
		var value string
		if len(s) > 0 && (s[0] == '"' || s[0] == '\'') {
			quote := s[0]
			s = s[1:]
			if end := strings.IndexByte(s, quote); end >= 0 {
				value, s = s[:end], s[end+1:]
			} else {
				value, s = s, ""
			}
		} else if end := strings.IndexByte(s, ' '); end >= 0 {
			value, s = s[:end], s[end+1:]
		} else {
			value, s = s, ""
		}
		out[name] = value
	}
	return out
}

// replaceAttr replaces (or adds) a printer attribute with a keyword/text
// value parsed from the side channel.
func replaceAttr(attrs *goipp.Attributes, name, value string) {
	for i, attr := range *attrs {
		if attr.Name == name {
			(*attrs)[i] = makeSideChannelAttr(name, value)
			return
		}
	}
	attrs.Add(makeSideChannelAttr(name, value))
}

func makeSideChannelAttr(name, value string) goipp.Attribute {
	var n int
	if _, err := fmt.Sscanf(value, "%d", &n); err == nil && fmt.Sprint(n) == value {
		return goipp.MakeAttribute(name, goipp.TagInteger, goipp.Integer(n))
	}
	if parts := strings.Split(value, ","); len(parts) > 1 {
		attr := goipp.MakeAttribute(name, goipp.TagKeyword, goipp.String(parts[0]))
		for _, part := range parts[1:] {
			attr.Values.Add(goipp.TagKeyword, goipp.String(part))
		}
		return attr
	}
	return goipp.MakeAttribute(name, goipp.TagText, goipp.String(value))
}

// processStateMessage handles "STATE: [+|-]keyword[,keyword...]" updates to
// printer-state-reasons. Without a sign prefix the reasons are replaced.
func (sys *System) processStateMessage(p *Printer, msg string) {
	msg = strings.TrimSpace(msg)
	var add, remove bool
	switch {
	case strings.HasPrefix(msg, "+"):
		add, msg = true, msg[1:]
	case strings.HasPrefix(msg, "-"):
		remove, msg = true, msg[1:]
	}
	var mask Reason
	for _, kw := range strings.Split(msg, ",") {
		kw = strings.TrimSpace(kw)
		if kw == "" || kw == "none" {
			continue
		}
		bit, ok := ParseReason(kw)
		if !ok {
			slog.Debug("ignoring unknown state keyword", "keyword", kw, "printer", p.name)
			continue
		}
		mask |= bit
	}
	switch {
	case add:
		p.setReasons(0, mask, 0, false)
	case remove:
		p.setReasons(0, 0, mask, false)
	default:
		p.setReasons(mask, 0, 0, true)
	}
}
