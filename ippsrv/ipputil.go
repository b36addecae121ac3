// Package ippsrv implements a multi-printer IPP server with event
// notifications and infrastructure-proxy (output device) support.
//
// References:
//   - https://datatracker.ietf.org/doc/html/rfc8011
//   - https://datatracker.ietf.org/doc/html/rfc8010
//   - https://www.pwg.org/standards.html (PWG 5100.18, 5100.22)
package ippsrv

// contains supplemental functions for value conversion and other convenience.

import (
	"fmt"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"
)

const (
	ippUTF8 goipp.String = "utf-8"
	ippENUS goipp.String = "en-us"
)

const ippContentType = "application/ipp"

// adder is a helper that appends attributes to an attribute group.
func adder(op *goipp.Attributes) func(name string, tag goipp.Tag, values ...goipp.Value) {
	return func(name string, tag goipp.Tag, values ...goipp.Value) {
		if len(values) == 0 {
			values = []goipp.Value{goipp.String("")}
		}
		attr := goipp.MakeAttribute(name, tag, values[0])
		for _, v := range values[1:] {
			attr.Values.Add(tag, v)
		}
		op.Add(attr)
	}
}

func stringsToValues[S ~[]E, E ~string](strs S) []goipp.Value {
	values := make([]goipp.Value, len(strs))
	for i, str := range strs {
		values[i] = goipp.String(str)
	}
	return values
}

func findAttr(attrs goipp.Attributes, name string) (goipp.Values, bool) {
	for _, attr := range attrs {
		if attr.Name == name && len(attr.Values) > 0 {
			return attr.Values, true
		}
	}
	return nil, false
}

func hasAttr(attrs goipp.Attributes, name string) bool {
	for _, attr := range attrs {
		if attr.Name == name {
			return true
		}
	}
	return false
}

func extractValue[T any](attrs goipp.Attributes, name string) (T, error) {
	var zero T
	vv, ok := findAttr(attrs, name)
	if !ok || len(vv) == 0 {
		return zero, fmt.Errorf("attribute %q not found", name)
	}
	v := vv[0].V
	if val, ok := v.(T); ok {
		return val, nil
	}
	return zero, fmt.Errorf("attribute %q is not of type %T: %T", name, zero, v)
}

// attrString returns the first value of the named attribute as a string, or
// def when the attribute is missing.
func attrString(attrs goipp.Attributes, name, def string) string {
	vv, ok := findAttr(attrs, name)
	if !ok {
		return def
	}
	return vv[0].V.String()
}

// attrInt returns the first value of the named attribute as an int, or def
// when the attribute is missing or not integer-valued.
func attrInt(attrs goipp.Attributes, name string, def int) int {
	vv, ok := findAttr(attrs, name)
	if !ok {
		return def
	}
	if i, ok := vv[0].V.(goipp.Integer); ok {
		return int(i)
	}
	return def
}

func attrBool(attrs goipp.Attributes, name string, def bool) bool {
	vv, ok := findAttr(attrs, name)
	if !ok {
		return def
	}
	if b, ok := vv[0].V.(goipp.Boolean); ok {
		return bool(b)
	}
	return def
}

// attrKeywords returns all values of a keyword (or name) attribute as
// strings.
func attrKeywords(attrs goipp.Attributes, name string) []string {
	vv, ok := findAttr(attrs, name)
	if !ok {
		return nil
	}
	kw := make([]string, 0, len(vv))
	for _, v := range vv {
		kw = append(kw, v.V.String())
	}
	return kw
}

// requestedAttributes builds the requested-attributes set from an operation
// group. An empty set means "all". The group keywords "all", "printer-
// description", "job-template" and friends select everything; individual
// names select just those.
func requestedAttributes(op goipp.Attributes) map[string]bool {
	kw := attrKeywords(op, "requested-attributes")
	if len(kw) == 0 {
		return nil
	}
	set := make(map[string]bool, len(kw))
	for _, k := range kw {
		switch k {
		case "all", "printer-description", "job-template", "job-description",
			"document-description", "document-template", "subscription-template",
			"subscription-description", "resource-description":
			return nil
		}
		set[k] = true
	}
	return set
}

// copyAttributes copies attributes from src to dst, honoring a
// requested-attributes set (nil = all) and an exclusion set. The
// media-col-database attribute is copied only when requested by name.
func copyAttributes(dst *goipp.Attributes, src goipp.Attributes, requested map[string]bool, exclude map[string]bool) {
	for _, attr := range src {
		if exclude != nil && exclude[attr.Name] {
			continue
		}
		if requested == nil {
			if attr.Name == "media-col-database" {
				continue
			}
		} else if !requested[attr.Name] {
			continue
		}
		dst.Add(attr)
	}
}

// ippDate converts a time to the IPP dateTime value.
func ippDate(t time.Time) goipp.Time {
	return goipp.Time{Time: t}
}

// ippNoValue is the out-of-band no-value attribute.
func ippNoValue(name string) goipp.Attribute {
	return goipp.MakeAttribute(name, goipp.TagNoValue, goipp.Void{})
}

// uptime returns t expressed in printer-up-time seconds since epoch.
func uptime(epoch, t time.Time) int {
	if t.IsZero() {
		return 0
	}
	d := t.Sub(epoch)
	if d < 0 {
		return 0
	}
	return int(d.Seconds()) + 1
}

// sanitizeName makes a string safe for use in a spool file name.
func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '.' || r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// extForFormat maps a MIME type to a spool file extension.
func extForFormat(format string) string {
	switch format {
	case "application/pdf":
		return "pdf"
	case "application/postscript":
		return "ps"
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/pwg-raster":
		return "pwg"
	case "image/urf":
		return "urf"
	case "text/plain":
		return "txt"
	case "application/sla":
		return "stl"
	case "model/3mf":
		return "3mf"
	case "text/x-gcode", "application/g-code":
		return "gcode"
	default:
		return "prn"
	}
}

// formatForName guesses a document format from a file name. Used when the
// client did not supply document-format.
func formatForName(name string) string {
	switch {
	case strings.HasSuffix(name, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(name, ".ps"):
		return "application/postscript"
	case strings.HasSuffix(name, ".jpg"), strings.HasSuffix(name, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(name, ".png"):
		return "image/png"
	case strings.HasSuffix(name, ".pwg"):
		return "image/pwg-raster"
	case strings.HasSuffix(name, ".urf"):
		return "image/urf"
	case strings.HasSuffix(name, ".txt"):
		return "text/plain"
	case strings.HasSuffix(name, ".stl"):
		return "application/sla"
	case strings.HasSuffix(name, ".gcode"):
		return "text/x-gcode"
	default:
		return "application/octet-stream"
	}
}
