package ippsrv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/OpenPrinting/goipp"
)

// persistState writes every printer's configuration back to
// StateDir/print/<name>.conf (or print3d/) so the next start recreates
// the same services.
func (sys *System) persistState() error {
	for _, sub := range []string{"print", "print3d"} {
		if err := os.MkdirAll(filepath.Join(sys.cfg.StateDir, sub), 0700); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	for _, p := range sys.Printers() {
		if err := sys.persistPrinter(p); err != nil {
			return err
		}
	}
	return nil
}

func (sys *System) persistPrinter(p *Printer) error {
	sub := "print"
	if p.is3D {
		sub = "print3d"
	}
	path := filepath.Join(sys.cfg.StateDir, sub, p.name+".conf")
	var b strings.Builder

	p.mu.RLock()
	if p.command != "" {
		fmt.Fprintf(&b, "Command %s\n", p.command)
	}
	if p.deviceURI != "" {
		fmt.Fprintf(&b, "DeviceURI %s\n", p.deviceURI)
	}
	if p.outputFormat != "" {
		fmt.Fprintf(&b, "OutputFormat %s\n", p.outputFormat)
	}
	accepting := 0
	if p.accepting {
		accepting = 1
	}
	fmt.Fprintf(&b, "InitialState %d %d %d\n", accepting, p.state, p.reasons)
	if p.maxDevices > 0 {
		fmt.Fprintf(&b, "MaxOutputDevices %d\n", p.maxDevices)
	}
	for lang, file := range p.strings {
		fmt.Fprintf(&b, "Strings %s %q\n", lang, file)
	}
	for _, attr := range p.attrs {
		writeAttrLine(&b, attr)
	}
	p.mu.RUnlock()

	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to persist printer %q: %w", p.name, err)
	}
	return nil
}

// writeAttrLine renders one ATTR record; collection members follow on
// MEMBER lines.
func writeAttrLine(b *strings.Builder, attr goipp.Attribute) {
	if len(attr.Values) == 0 {
		return
	}
	tag := attr.Values[0].T
	if tag == goipp.TagBeginCollection {
		fmt.Fprintf(b, "ATTR collection %s {\n", attr.Name)
		for _, v := range attr.Values {
			if col, ok := v.V.(goipp.Collection); ok {
				for _, m := range goipp.Attributes(col) {
					fmt.Fprintf(b, "MEMBER %s %s %s\n", tagName(m.Values[0].T), m.Name, envValue(m))
				}
			}
		}
		fmt.Fprintf(b, "}\n")
		return
	}
	fmt.Fprintf(b, "ATTR %s %s %s\n", tagName(tag), attr.Name, envValue(attr))
}

// tagName maps a value tag to its configuration file keyword.
func tagName(tag goipp.Tag) string {
	switch tag {
	case goipp.TagInteger:
		return "integer"
	case goipp.TagBoolean:
		return "boolean"
	case goipp.TagEnum:
		return "enum"
	case goipp.TagText:
		return "text"
	case goipp.TagName:
		return "name"
	case goipp.TagKeyword:
		return "keyword"
	case goipp.TagURI:
		return "uri"
	case goipp.TagURIScheme:
		return "uriScheme"
	case goipp.TagCharset:
		return "charset"
	case goipp.TagLanguage:
		return "naturalLanguage"
	case goipp.TagMimeType:
		return "mimeMediaType"
	case goipp.TagDateTime:
		return "dateTime"
	case goipp.TagResolution:
		return "resolution"
	case goipp.TagRange:
		return "rangeOfInteger"
	case goipp.TagString:
		return "octetString"
	case goipp.TagBeginCollection:
		return "collection"
	default:
		return "unknown"
	}
}

// ParseAttrValue converts a configuration file value string into typed IPP
// values for the given tag. Multiple values are comma-separated.
func ParseAttrValue(tag goipp.Tag, value string) (goipp.Values, error) {
	var out goipp.Values
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		switch tag {
		case goipp.TagInteger, goipp.TagEnum:
			var n int
			if _, err := fmt.Sscanf(part, "%d", &n); err != nil {
				return nil, fmt.Errorf("bad integer %q: %w", part, err)
			}
			out.Add(tag, goipp.Integer(n))
		case goipp.TagBoolean:
			out.Add(tag, goipp.Boolean(part == "true" || part == "1"))
		case goipp.TagRange:
			var lo, hi int
			if _, err := fmt.Sscanf(part, "%d-%d", &lo, &hi); err != nil {
				return nil, fmt.Errorf("bad range %q: %w", part, err)
			}
			out.Add(tag, goipp.Range{Lower: lo, Upper: hi})
		case goipp.TagResolution:
			var x, y int
			var unit string
			if _, err := fmt.Sscanf(part, "%dx%d%s", &x, &y, &unit); err != nil {
				return nil, fmt.Errorf("bad resolution %q: %w", part, err)
			}
			u := goipp.UnitsDpi
			if unit == "dpcm" {
				u = goipp.UnitsDpcm
			}
			out.Add(tag, goipp.Resolution{Xres: x, Yres: y, Units: u})
		case goipp.TagString:
			out.Add(tag, goipp.Binary(part))
		default:
			out.Add(tag, goipp.String(part))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty value")
	}
	return out, nil
}
