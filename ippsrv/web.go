package ippsrv

import (
	"bytes"
	"fmt"
	"html/template"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// handleWeb serves the per-printer GET surface: icon, Apple profile and
// the HTML dashboards.
func (sys *System) handleWeb(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	p, ok := sys.PrinterByName(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch r.PathValue("page") {
	case "icon.png":
		sys.serveIcon(w, p)
	case "apple.mobileconfig":
		sys.serveMobileConfig(w, p)
	case "", "media", "materials", "supplies":
		if !p.webforms && r.PathValue("page") != "" {
			http.NotFound(w, r)
			return
		}
		sys.servePrinterPage(w, p, r.PathValue("page"))
	default:
		http.NotFound(w, r)
	}
}

func (sys *System) serveIcon(w http.ResponseWriter, p *Printer) {
	w.Header().Set("Content-Type", "image/png")
	p.mu.RLock()
	icon := p.icon
	p.mu.RUnlock()
	if icon != "" {
		if data, err := os.ReadFile(icon); err == nil {
			w.Write(data)
			return
		}
		slog.Debug("configured icon unreadable, using default", "printer", p.name, "icon", icon)
	}
	w.Write(defaultIcon())
}

var (
	defaultIconOnce sync.Once
	defaultIconPNG  []byte
)

// defaultIcon renders the built-in printer icon: a flat gray glyph, enough
// for clients that insist on printer-icons.
func defaultIcon() []byte {
	defaultIconOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, 48, 48))
		body := color.RGBA{0x66, 0x66, 0x66, 0xff}
		paper := color.RGBA{0xee, 0xee, 0xee, 0xff}
		for y := 16; y < 34; y++ {
			for x := 4; x < 44; x++ {
				img.Set(x, y, body)
			}
		}
		for y := 6; y < 16; y++ {
			for x := 12; x < 36; x++ {
				img.Set(x, y, paper)
			}
		}
		for y := 34; y < 42; y++ {
			for x := 12; x < 36; x++ {
				img.Set(x, y, paper)
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err == nil {
			defaultIconPNG = buf.Bytes()
		}
	})
	return defaultIconPNG
}

// mobileconfigTemplate is the Apple device profile payload for AirPrint.
var mobileconfigTemplate = template.Must(template.New("mobileconfig").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>PayloadContent</key>
	<array>
		<dict>
			<key>PayloadType</key>
			<string>com.apple.airprint</string>
			<key>PayloadIdentifier</key>
			<string>org.ippserver.{{.Name}}.airprint</string>
			<key>PayloadUUID</key>
			<string>{{.PayloadUUID}}</string>
			<key>PayloadVersion</key>
			<integer>1</integer>
			<key>AirPrint</key>
			<array>
				<dict>
					<key>IPAddress</key>
					<string>{{.Host}}</string>
					<key>Port</key>
					<integer>{{.Port}}</integer>
					<key>ResourcePath</key>
					<string>{{.Path}}</string>
				</dict>
			</array>
		</dict>
	</array>
	<key>PayloadDisplayName</key>
	<string>{{.DisplayName}}</string>
	<key>PayloadIdentifier</key>
	<string>org.ippserver.{{.Name}}</string>
	<key>PayloadType</key>
	<string>Configuration</string>
	<key>PayloadUUID</key>
	<string>{{.ProfileUUID}}</string>
	<key>PayloadVersion</key>
	<integer>1</integer>
</dict>
</plist>
`))

func (sys *System) serveMobileConfig(w http.ResponseWriter, p *Printer) {
	w.Header().Set("Content-Type", "application/x-apple-aspen-config")
	p.mu.RLock()
	info := attrString(p.attrs, "printer-info", p.name)
	p.mu.RUnlock()
	data := struct {
		Name, Host, Path, DisplayName string
		Port                          int
		PayloadUUID, ProfileUUID      string
	}{
		Name:        p.name,
		Host:        sys.cfg.Hostname,
		Path:        p.path,
		DisplayName: info,
		Port:        sys.cfg.Listeners[0].Port,
		PayloadUUID: uuid.NewSHA1(uuid.NameSpaceURL, []byte(p.path+"/airprint")).String(),
		ProfileUUID: uuid.NewSHA1(uuid.NameSpaceURL, []byte(p.path+"/profile")).String(),
	}
	if err := mobileconfigTemplate.Execute(w, data); err != nil {
		slog.Error("failed to render mobileconfig", "printer", p.name, "error", err)
	}
}

var printerPageTemplate = template.Must(template.New("printer").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Name}}</title></head>
<body>
<h1>{{.Name}}</h1>
<p>{{.Info}}</p>
<table border="0">
<tr><td>State:</td><td>{{.State}} ({{.Reasons}})</td></tr>
<tr><td>Accepting jobs:</td><td>{{.Accepting}}</td></tr>
<tr><td>Queued jobs:</td><td>{{.Queued}}</td></tr>
<tr><td>Uptime:</td><td>{{.Uptime}}</td></tr>
</table>
{{if .Jobs}}
<h2>Jobs</h2>
<table border="1" cellpadding="4">
<tr><th>ID</th><th>Name</th><th>User</th><th>State</th></tr>
{{range .Jobs}}<tr><td>{{.ID}}</td><td>{{.Name}}</td><td>{{.User}}</td><td>{{.State}}</td></tr>
{{end}}
</table>
{{end}}
</body>
</html>
`))

type webJob struct {
	ID         int
	Name, User string
	State      string
}

func (sys *System) servePrinterPage(w http.ResponseWriter, p *Printer, page string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	p.mu.RLock()
	data := struct {
		Name, Info, State, Reasons string
		Accepting                  bool
		Queued                     int
		Uptime                     time.Duration
		Jobs                       []webJob
	}{
		Name:      p.name,
		Info:      attrString(p.attrs, "printer-info", p.name),
		State:     p.effectiveStateLocked().String(),
		Reasons:   fmt.Sprint(p.reasonsWithDevices().Keywords()),
		Accepting: p.accepting,
		Queued:    len(p.active),
		Uptime:    time.Since(p.startTime).Round(time.Second),
	}
	p.mu.RUnlock()

	// The media, materials and supplies pages show the same status header;
	// the job table only appears on the main page.
	if page == "" {
		for _, j := range p.snapshotJobs("all") {
			j.mu.RLock()
			data.Jobs = append(data.Jobs, webJob{ID: j.id, Name: j.name, User: j.username, State: j.state.String()})
			j.mu.RUnlock()
		}
	}
	if err := printerPageTemplate.Execute(w, data); err != nil {
		slog.Error("failed to render printer page", "printer", p.name, "error", err)
	}
}
