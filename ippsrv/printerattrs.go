package ippsrv

import (
	"fmt"
	"strings"

	"github.com/OpenPrinting/goipp"
	"github.com/google/uuid"
)

// mediaSize is one entry of the media size database.
type mediaSize struct {
	name   string
	x, y   int // hundredths of millimeters
	bottom int
	left   int
	right  int
	top    int
}

var mediaSizes = []mediaSize{
	{"na_letter_8.5x11in", 21590, 27940, 635, 635, 635, 635},
	{"na_legal_8.5x14in", 21590, 35560, 635, 635, 635, 635},
	{"na_executive_7.25x10.5in", 18415, 26670, 635, 635, 635, 635},
	{"iso_a4_210x297mm", 21000, 29700, 635, 635, 635, 635},
	{"iso_a5_148x210mm", 14800, 21000, 635, 635, 635, 635},
	{"iso_b5_176x250mm", 17600, 25000, 635, 635, 635, 635},
	{"jis_b5_182x257mm", 18200, 25700, 635, 635, 635, 635},
	{"na_number-10_4.125x9.5in", 10477, 24130, 635, 635, 635, 635},
	{"iso_dl_110x220mm", 11000, 22000, 635, 635, 635, 635},
}

func mediaSizeByName(name string) (mediaSize, bool) {
	for _, sz := range mediaSizes {
		if sz.name == name {
			return sz, true
		}
	}
	return mediaSize{}, false
}

// mediaColEntry builds the media-col collection for one size.
func mediaColEntry(sz mediaSize) goipp.Collection {
	var sizeCol goipp.Collection
	sizeCol.Add(goipp.MakeAttribute("x-dimension", goipp.TagInteger, goipp.Integer(sz.x)))
	sizeCol.Add(goipp.MakeAttribute("y-dimension", goipp.TagInteger, goipp.Integer(sz.y)))

	var col goipp.Collection
	col.Add(goipp.MakeAttribute("media-size", goipp.TagBeginCollection, sizeCol))
	col.Add(goipp.MakeAttribute("media-size-name", goipp.TagKeyword, goipp.String(sz.name)))
	col.Add(goipp.MakeAttribute("media-bottom-margin", goipp.TagInteger, goipp.Integer(sz.bottom)))
	col.Add(goipp.MakeAttribute("media-left-margin", goipp.TagInteger, goipp.Integer(sz.left)))
	col.Add(goipp.MakeAttribute("media-right-margin", goipp.TagInteger, goipp.Integer(sz.right)))
	col.Add(goipp.MakeAttribute("media-top-margin", goipp.TagInteger, goipp.Integer(sz.top)))
	return col
}

// cmdLanguages maps supported MIME types to 1284 CMD: keywords.
var cmdLanguages = map[string]string{
	"application/pdf":        "PDF",
	"application/postscript": "PS",
	"image/jpeg":             "JPEG",
	"image/png":              "PNG",
	"image/pwg-raster":       "PWGRaster",
	"image/urf":              "URF",
	"text/plain":             "TXT",
	"application/sla":        "STL",
	"model/3mf":              "3MF",
	"text/x-gcode":           "GCODE",
}

// operationsSupported is the full operation surface of the server.
var operationsSupported = []goipp.Op{
	goipp.OpAcknowledgeDocument,
	goipp.OpAcknowledgeIdentifyPrinter,
	goipp.OpAcknowledgeJob,
	goipp.OpCancelCurrentJob,
	goipp.OpCancelDocument,
	goipp.OpCancelJob,
	goipp.OpCancelJobs,
	goipp.OpCancelMyJobs,
	goipp.OpCancelSubscription,
	goipp.OpCloseJob,
	goipp.OpCreateJob,
	goipp.OpCreateJobSubscriptions,
	goipp.OpCreatePrinterSubscriptions,
	goipp.OpDeregisterOutputDevice,
	goipp.OpDisablePrinter,
	goipp.OpEnablePrinter,
	goipp.OpFetchDocument,
	goipp.OpFetchJob,
	goipp.OpGetDocumentAttributes,
	goipp.OpGetDocuments,
	goipp.OpGetJobAttributes,
	goipp.OpGetJobs,
	goipp.OpGetNotifications,
	goipp.OpGetOutputDeviceAttributes,
	goipp.OpGetPrinterAttributes,
	goipp.OpGetPrinterSupportedValues,
	goipp.OpGetSubscriptionAttributes,
	goipp.OpGetSubscriptions,
	goipp.OpHoldJob,
	goipp.OpHoldNewJobs,
	goipp.OpIdentifyPrinter,
	goipp.OpPausePrinter,
	goipp.OpPausePrinterAfterCurrentJob,
	goipp.OpPrintJob,
	goipp.OpPrintURI,
	goipp.OpReleaseHeldNewJobs,
	goipp.OpReleaseJob,
	goipp.OpRestartJob,
	goipp.OpRestartPrinter,
	goipp.OpResumePrinter,
	goipp.OpSendDocument,
	goipp.OpSendURI,
	goipp.OpSetDocumentAttributes,
	goipp.OpSetJobAttributes,
	goipp.OpSetPrinterAttributes,
	goipp.OpShutdownPrinter,
	goipp.OpStartupPrinter,
	goipp.OpUpdateActiveJobs,
	goipp.OpUpdateDocumentStatus,
	goipp.OpUpdateJobStatus,
	goipp.OpupdateOutputDeviceAttributes,
	goipp.OpValidateDocument,
	goipp.OpValidateJob,
}

// synthesizeAttrs computes the printer's defaulted attribute set from the
// minimal definition. Configuration ATTR overrides come first; a defaulted
// attribute is inserted only when not already present.
func synthesizeAttrs(sys *System, p *Printer, def PrinterDef) goipp.Attributes {
	attrs := def.Attrs.Clone()

	// ensure inserts only when the attribute is absent, preserving
	// configuration overrides.
	ensure := func(name string, tag goipp.Tag, values ...goipp.Value) {
		if hasAttr(attrs, name) {
			return
		}
		adder(&attrs)(name, tag, values...)
	}

	makeModel := strings.TrimSpace(def.Make + " " + def.Model)
	if makeModel == "" {
		makeModel = "Unknown Printer"
	}
	formats := def.Formats
	if len(formats) == 0 {
		formats = []string{"application/pdf", "image/jpeg", "image/pwg-raster"}
	}

	ensure("charset-configured", goipp.TagCharset, ippUTF8)
	ensure("charset-supported", goipp.TagCharset, ippUTF8)
	ensure("color-supported", goipp.TagBoolean, goipp.Boolean(def.SpeedColor > 0))
	ensure("compression-supported", goipp.TagKeyword, goipp.String("none"))
	ensure("copies-default", goipp.TagInteger, goipp.Integer(1))
	ensure("copies-supported", goipp.TagRange, goipp.Range{Lower: 1, Upper: 99})
	ensure("document-format-default", goipp.TagMimeType, goipp.String(formats[0]))
	ensure("document-format-supported", goipp.TagMimeType, stringsToValues(formats)...)
	ensure("generated-natural-language-supported", goipp.TagLanguage, ippENUS)
	ensure("identify-actions-default", goipp.TagKeyword, goipp.String("sound"))
	ensure("identify-actions-supported", goipp.TagKeyword,
		goipp.String("display"), goipp.String("sound"))
	ensure("ipp-features-supported", goipp.TagKeyword,
		goipp.String("ipp-everywhere"), goipp.String("infrastructure-printer"))
	ensure("ipp-versions-supported", goipp.TagKeyword,
		goipp.String("1.1"), goipp.String("2.0"))
	ensure("ipp-attribute-fidelity-supported", goipp.TagBoolean, goipp.Boolean(true))
	ensure("job-creation-attributes-supported", goipp.TagKeyword, stringsToValues([]string{
		"copies", "document-format", "document-name", "ipp-attribute-fidelity",
		"job-hold-until", "job-name", "job-priority", "media", "media-col",
		"multiple-document-handling", "orientation-requested", "print-color-mode",
		"print-quality", "printer-resolution", "sides",
	})...)
	ensure("job-hold-until-default", goipp.TagKeyword, goipp.String("no-hold"))
	ensure("job-hold-until-supported", goipp.TagKeyword,
		goipp.String("no-hold"), goipp.String("indefinite"))
	ensure("job-ids-supported", goipp.TagBoolean, goipp.Boolean(true))
	ensure("job-priority-default", goipp.TagInteger, goipp.Integer(50))
	ensure("job-priority-supported", goipp.TagInteger, goipp.Integer(100))
	ensure("job-sheets-default", goipp.TagKeyword, goipp.String("none"))
	ensure("job-sheets-supported", goipp.TagKeyword, goipp.String("none"))
	if def.PIN {
		ensure("job-password-supported", goipp.TagInteger, goipp.Integer(4))
		ensure("job-password-encryption-supported", goipp.TagKeyword, goipp.String("none"))
	}

	// media
	names := make([]goipp.Value, 0, len(mediaSizes))
	cols := make([]goipp.Value, 0, len(mediaSizes))
	sizes := make([]goipp.Value, 0, len(mediaSizes))
	for _, sz := range mediaSizes {
		names = append(names, goipp.String(sz.name))
		cols = append(cols, mediaColEntry(sz))
		var sc goipp.Collection
		sc.Add(goipp.MakeAttribute("x-dimension", goipp.TagInteger, goipp.Integer(sz.x)))
		sc.Add(goipp.MakeAttribute("y-dimension", goipp.TagInteger, goipp.Integer(sz.y)))
		sizes = append(sizes, sc)
	}
	ensure("media-default", goipp.TagKeyword, goipp.String(mediaSizes[0].name))
	ensure("media-supported", goipp.TagKeyword, names...)
	ensure("media-size-supported", goipp.TagBeginCollection, sizes...)
	ensure("media-col-database", goipp.TagBeginCollection, cols...)
	ensure("media-col-default", goipp.TagBeginCollection, mediaColEntry(mediaSizes[0]))
	ensure("media-col-supported", goipp.TagKeyword, stringsToValues([]string{
		"media-size", "media-size-name", "media-bottom-margin",
		"media-left-margin", "media-right-margin", "media-top-margin",
	})...)

	ensure("multiple-document-handling-supported", goipp.TagKeyword,
		goipp.String("separate-documents-uncollated-copies"),
		goipp.String("separate-documents-collated-copies"))
	ensure("multiple-document-jobs-supported", goipp.TagBoolean, goipp.Boolean(true))
	ensure("multiple-operation-time-out", goipp.TagInteger, goipp.Integer(60))
	ensure("multiple-operation-time-out-action", goipp.TagKeyword, goipp.String("process-job"))
	ensure("natural-language-configured", goipp.TagLanguage, ippENUS)
	ensure("notify-events-default", goipp.TagKeyword,
		goipp.String("job-completed"), goipp.String("job-state-changed"))
	ensure("notify-events-supported", goipp.TagKeyword, stringsToValues(allEventKeywords())...)
	ensure("notify-lease-duration-default", goipp.TagInteger, goipp.Integer(defaultLeaseSeconds))
	ensure("notify-lease-duration-supported", goipp.TagRange, goipp.Range{Lower: 0, Upper: 31536000})
	ensure("notify-max-events-supported", goipp.TagInteger, goipp.Integer(maxEventsPerSubscription))
	ensure("notify-pull-method-supported", goipp.TagKeyword, goipp.String("ippget"))

	ops := make([]goipp.Value, 0, len(operationsSupported))
	for _, op := range operationsSupported {
		ops = append(ops, goipp.Integer(op))
	}
	ensure("operations-supported", goipp.TagEnum, ops...)

	ensure("orientation-requested-default", goipp.TagEnum, goipp.Integer(3)) // portrait
	ensure("orientation-requested-supported", goipp.TagEnum,
		goipp.Integer(3), goipp.Integer(4), goipp.Integer(5), goipp.Integer(6))
	ensure("output-bin-default", goipp.TagKeyword, goipp.String("face-down"))
	ensure("output-bin-supported", goipp.TagKeyword, goipp.String("face-down"))
	ensure("overrides-supported", goipp.TagKeyword,
		goipp.String("document-numbers"), goipp.String("pages"))
	if def.Speed > 0 {
		ensure("pages-per-minute", goipp.TagInteger, goipp.Integer(def.Speed))
	}
	if def.SpeedColor > 0 {
		ensure("pages-per-minute-color", goipp.TagInteger, goipp.Integer(def.SpeedColor))
	}
	ensure("pdl-override-supported", goipp.TagKeyword, goipp.String("attempted"))
	if def.SpeedColor > 0 {
		ensure("print-color-mode-default", goipp.TagKeyword, goipp.String("auto"))
		ensure("print-color-mode-supported", goipp.TagKeyword,
			goipp.String("auto"), goipp.String("color"), goipp.String("monochrome"))
	} else {
		ensure("print-color-mode-default", goipp.TagKeyword, goipp.String("monochrome"))
		ensure("print-color-mode-supported", goipp.TagKeyword, goipp.String("monochrome"))
	}
	ensure("print-content-optimize-default", goipp.TagKeyword, goipp.String("auto"))
	ensure("print-content-optimize-supported", goipp.TagKeyword, goipp.String("auto"))
	ensure("print-quality-default", goipp.TagEnum, goipp.Integer(4)) // normal
	ensure("print-quality-supported", goipp.TagEnum,
		goipp.Integer(3), goipp.Integer(4), goipp.Integer(5))
	ensure("print-rendering-intent-default", goipp.TagKeyword, goipp.String("auto"))
	ensure("print-rendering-intent-supported", goipp.TagKeyword, goipp.String("auto"))

	ensure("printer-device-id", goipp.TagText, goipp.String(deviceID(def.Make, def.Model, formats)))
	if def.GeoLocation != "" {
		ensure("printer-geo-location", goipp.TagURI, goipp.String(def.GeoLocation))
	}
	ensure("printer-get-attributes-supported", goipp.TagKeyword, goipp.String("document-format"))
	ensure("printer-icons", goipp.TagURI,
		goipp.String(fmt.Sprintf("http://%s:%d%s/icon.png", sys.cfg.Hostname, sys.cfg.Listeners[0].Port, p.path)))
	ensure("printer-info", goipp.TagText, goipp.String(firstNonEmpty(def.Info, def.Name)))
	ensure("printer-location", goipp.TagText, goipp.String(def.Location))
	ensure("printer-make-and-model", goipp.TagText, goipp.String(makeModel))
	ensure("printer-more-info", goipp.TagURI,
		goipp.String(fmt.Sprintf("http://%s:%d%s", sys.cfg.Hostname, sys.cfg.Listeners[0].Port, p.path)))
	ensure("printer-name", goipp.TagName, goipp.String(def.Name))
	ensure("printer-organization", goipp.TagText, goipp.String(sys.cfg.OwnerName))
	ensure("printer-organizational-unit", goipp.TagText, goipp.String(""))
	ensure("printer-resolution-default", goipp.TagResolution,
		goipp.Resolution{Xres: 600, Yres: 600, Units: goipp.UnitsDpi})
	ensure("printer-resolution-supported", goipp.TagResolution,
		goipp.Resolution{Xres: 300, Yres: 300, Units: goipp.UnitsDpi},
		goipp.Resolution{Xres: 600, Yres: 600, Units: goipp.UnitsDpi})
	if len(def.Strings) > 0 {
		langs := make([]goipp.Value, 0, len(def.Strings))
		for lang := range def.Strings {
			langs = append(langs, goipp.String(lang))
		}
		ensure("printer-strings-languages-supported", goipp.TagLanguage, langs...)
	}

	uris := printerURIs(sys, p)
	ensure("printer-uri-supported", goipp.TagURI, uris...)
	auth := "none"
	if sys.cfg.Auth.Enabled {
		auth = "basic"
	}
	authVals := make([]goipp.Value, len(uris))
	secVals := make([]goipp.Value, len(uris))
	for i, u := range uris {
		authVals[i] = goipp.String(auth)
		if strings.HasPrefix(u.String(), "ipps:") {
			secVals[i] = goipp.String("tls")
		} else {
			secVals[i] = goipp.String("none")
		}
	}
	ensure("uri-authentication-supported", goipp.TagKeyword, authVals...)
	ensure("uri-security-supported", goipp.TagKeyword, secVals...)

	ensure("printer-uuid", goipp.TagURI, goipp.String("urn:uuid:"+printerUUID(sys.cfg.Hostname, sys.cfg.Listeners[0].Port, def.Name)))

	if def.Duplex {
		ensure("sides-default", goipp.TagKeyword, goipp.String("one-sided"))
		ensure("sides-supported", goipp.TagKeyword,
			goipp.String("one-sided"),
			goipp.String("two-sided-long-edge"),
			goipp.String("two-sided-short-edge"))
	} else {
		ensure("sides-default", goipp.TagKeyword, goipp.String("one-sided"))
		ensure("sides-supported", goipp.TagKeyword, goipp.String("one-sided"))
	}

	ensure("urf-supported", goipp.TagKeyword, stringsToValues(urfSupported(def))...)
	ensure("which-jobs-supported", goipp.TagKeyword,
		goipp.String("completed"), goipp.String("not-completed"), goipp.String("all"))

	return attrs
}

// printerURIs is one URI per listener and scheme: ipp unless the policy is
// Always, or Required with TLS available (plain requests then get 426);
// ipps when TLS is available and the policy is not Never.
func printerURIs(sys *System, p *Printer) []goipp.Value {
	var uris []goipp.Value
	for _, l := range sys.cfg.Listeners {
		host := l.Host
		if host == "" {
			host = sys.cfg.Hostname
		}
		tlsOnly := sys.cfg.Encryption == EncryptionAlways ||
			(sys.cfg.Encryption == EncryptionRequired && sys.cfg.TLS != nil)
		if !tlsOnly {
			uris = append(uris, goipp.String(fmt.Sprintf("ipp://%s:%d%s", host, l.Port, p.path)))
		}
		if sys.cfg.TLS != nil && sys.cfg.Encryption != EncryptionNever {
			port := l.Port
			if sys.cfg.Encryption != EncryptionAlways {
				port++
			}
			uris = append(uris, goipp.String(fmt.Sprintf("ipps://%s:%d%s", host, port, p.path)))
		}
	}
	return uris
}

// printerUUID derives a stable UUID from the server host, port and printer
// name.
func printerUUID(hostname string, port int, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL,
		[]byte(fmt.Sprintf("ipp://%s:%d/ipp/print/%s", hostname, port, name))).String()
}

// deviceID assembles an IEEE 1284 device id from make, model and the CMD
// list mapped from the supported MIME types.
func deviceID(mfg, model string, formats []string) string {
	if mfg == "" {
		mfg = "Unknown"
	}
	if model == "" {
		model = "Printer"
	}
	var cmds []string
	for _, f := range formats {
		if cmd, ok := cmdLanguages[f]; ok {
			cmds = append(cmds, cmd)
		}
	}
	id := fmt.Sprintf("MFG:%s;MDL:%s;", mfg, model)
	if len(cmds) > 0 {
		id += "CMD:" + strings.Join(cmds, ",") + ";"
	}
	return id
}

// urfSupported builds the AirPrint URF capability strings; the duplex mode
// token is present only on duplex printers.
func urfSupported(def PrinterDef) []string {
	urf := []string{"V1.4", "W8", "SRGB24", "CP1", "RS600"}
	if def.Duplex {
		urf = append(urf, "DM3")
	}
	return urf
}

func allEventKeywords() []string {
	kw := make([]string, 0, len(eventNames))
	for bit := EventMask(1); bit != 0; bit <<= 1 {
		if name, ok := eventNames[bit]; ok {
			kw = append(kw, name)
		}
	}
	return kw
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
