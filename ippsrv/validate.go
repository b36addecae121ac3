package ippsrv

import (
	"github.com/OpenPrinting/goipp"
)

// validateJobTicket checks job creation attributes against the printer's
// advertised capabilities. Violations are appended to the response's
// unsupported group; when fidelity is set the whole operation fails with
// client-error-attributes-or-values.
func (c *opContext) validateJobTicket(ticket goipp.Attributes) error {
	p := c.p
	p.mu.RLock()
	caps := p.attrs
	p.mu.RUnlock()

	fidelity := attrBool(ticket, "ipp-attribute-fidelity", false)
	var bad goipp.Attributes

	for _, attr := range ticket {
		if !c.validTicketAttr(caps, attr) {
			bad.Add(attr)
		}
	}

	if len(bad) == 0 {
		return nil
	}
	c.unsupported = append(c.unsupported, bad...)
	if fidelity {
		return ippErrorf(goipp.StatusErrorAttributesOrValues,
			"%d unsupported job attributes", len(bad))
	}
	return nil
}

// validTicketAttr checks one job ticket attribute against the capability
// set. Unknown attributes pass through (they are job metadata, not
// capabilities).
func (c *opContext) validTicketAttr(caps goipp.Attributes, attr goipp.Attribute) bool {
	switch attr.Name {
	case "copies":
		v, ok := firstInt(attr)
		if !ok {
			return false
		}
		if r, ok := findAttr(caps, "copies-supported"); ok {
			if rng, ok := r[0].V.(goipp.Range); ok {
				return v >= rng.Lower && v <= rng.Upper
			}
		}
		return v == 1

	case "ipp-attribute-fidelity":
		_, ok := attr.Values[0].V.(goipp.Boolean)
		return ok

	case "job-hold-until":
		return keywordSupported(caps, "job-hold-until-supported", attr)

	case "job-priority":
		v, ok := firstInt(attr)
		if !ok {
			return false
		}
		max := attrInt(caps, "job-priority-supported", 100)
		return v >= 1 && v <= max

	case "job-password":
		b, ok := attr.Values[0].V.(goipp.Binary)
		if !ok {
			// octetString values decode as Binary; anything else is a type
			// violation.
			if s, ok := attr.Values[0].V.(goipp.String); ok {
				return passwordLenOK(caps, len(s))
			}
			return false
		}
		return passwordLenOK(caps, len(b))

	case "media":
		return keywordSupported(caps, "media-supported", attr)

	case "media-col":
		col, ok := attr.Values[0].V.(goipp.Collection)
		if !ok {
			return false
		}
		return c.validMediaCol(caps, goipp.Attributes(col))

	case "multiple-document-handling":
		return keywordSupported(caps, "multiple-document-handling-supported", attr)

	case "orientation-requested":
		v, ok := firstInt(attr)
		if !ok {
			return false
		}
		return enumSupported(caps, "orientation-requested-supported", v)

	case "print-color-mode":
		return keywordSupported(caps, "print-color-mode-supported", attr)

	case "print-quality":
		v, ok := firstInt(attr)
		if !ok {
			return false
		}
		return enumSupported(caps, "print-quality-supported", v)

	case "printer-resolution":
		res, ok := attr.Values[0].V.(goipp.Resolution)
		if !ok {
			return false
		}
		supported, ok := findAttr(caps, "printer-resolution-supported")
		if !ok {
			return false
		}
		for _, v := range supported {
			if sr, ok := v.V.(goipp.Resolution); ok &&
				sr.Xres == res.Xres && sr.Yres == res.Yres && sr.Units == res.Units {
				return true
			}
		}
		return false

	case "sides":
		return keywordSupported(caps, "sides-supported", attr)

	default:
		return true
	}
}

// validMediaCol requires media-size to match one of media-size-supported by
// exact (x-dimension, y-dimension), or media-size-name to be a supported
// media name.
func (c *opContext) validMediaCol(caps goipp.Attributes, col goipp.Attributes) bool {
	if name := attrString(col, "media-size-name", ""); name != "" {
		if _, ok := mediaSizeByName(name); !ok {
			return false
		}
	}
	sizeVals, ok := findAttr(col, "media-size")
	if !ok {
		return true // nothing further to check
	}
	size, ok := sizeVals[0].V.(goipp.Collection)
	if !ok {
		return false
	}
	x := attrInt(goipp.Attributes(size), "x-dimension", -1)
	y := attrInt(goipp.Attributes(size), "y-dimension", -1)
	if x < 0 || y < 0 {
		return false
	}
	supported, ok := findAttr(caps, "media-size-supported")
	if !ok {
		return false
	}
	for _, v := range supported {
		sc, ok := v.V.(goipp.Collection)
		if !ok {
			continue
		}
		sx := attrInt(goipp.Attributes(sc), "x-dimension", -2)
		sy := attrInt(goipp.Attributes(sc), "y-dimension", -2)
		if sx == x && sy == y {
			return true
		}
	}
	return false
}

func firstInt(attr goipp.Attribute) (int, bool) {
	if len(attr.Values) == 0 {
		return 0, false
	}
	if v, ok := attr.Values[0].V.(goipp.Integer); ok {
		return int(v), true
	}
	return 0, false
}

func keywordSupported(caps goipp.Attributes, capName string, attr goipp.Attribute) bool {
	supported, ok := findAttr(caps, capName)
	if !ok {
		return false
	}
	for _, want := range attr.Values {
		found := false
		for _, have := range supported {
			if have.V.String() == want.V.String() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func enumSupported(caps goipp.Attributes, capName string, v int) bool {
	supported, ok := findAttr(caps, capName)
	if !ok {
		return false
	}
	for _, have := range supported {
		if i, ok := have.V.(goipp.Integer); ok && int(i) == v {
			return true
		}
	}
	return false
}

func passwordLenOK(caps goipp.Attributes, n int) bool {
	max := attrInt(caps, "job-password-supported", 0)
	if max == 0 {
		return false // PIN printing not enabled
	}
	return n > 0 && n <= max
}

// validateFormat checks the document format against the printer's
// supported formats. application/octet-stream is accepted when the printer
// advertises it or any format at all (sniffing is the device's problem).
func (c *opContext) validateFormat(format string) error {
	if format == "" || format == "application/octet-stream" {
		return nil
	}
	c.p.mu.RLock()
	defer c.p.mu.RUnlock()
	supported, ok := findAttr(c.p.attrs, "document-format-supported")
	if !ok {
		return nil
	}
	for _, v := range supported {
		if v.V.String() == format {
			return nil
		}
	}
	return ippErrorf(goipp.StatusErrorDocumentFormatNotSupported,
		"document format %q not supported", format)
}
