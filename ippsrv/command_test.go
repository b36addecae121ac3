package ippsrv

import (
	"strings"
	"testing"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	opts := parseOptions(`marker-levels=90 printer-alert="code=coverOpen" job-impressions-completed=3`)
	assert.Equal(t, "90", opts["marker-levels"])
	assert.Equal(t, "code=coverOpen", opts["printer-alert"])
	assert.Equal(t, "3", opts["job-impressions-completed"])
}

func TestProcessStateMessage(t *testing.T) {
	sys := testSystem(t, nil)
	p, err := sys.AddPrinter(PrinterDef{Name: "state", InitAccepting: true, InitState: PSStopped})
	require.NoError(t, err)

	t.Run("replace", func(t *testing.T) {
		sys.processStateMessage(p, "media-low,toner-low")
		assert.Equal(t, ReasonMediaLow|ReasonTonerLow, p.reasons)
	})
	t.Run("add", func(t *testing.T) {
		sys.processStateMessage(p, "+media-empty")
		assert.Equal(t, ReasonMediaLow|ReasonTonerLow|ReasonMediaEmpty, p.reasons)
	})
	t.Run("remove", func(t *testing.T) {
		sys.processStateMessage(p, "-toner-low,media-low")
		assert.Equal(t, ReasonMediaEmpty, p.reasons)
	})
	t.Run("severity suffix is stripped", func(t *testing.T) {
		sys.processStateMessage(p, "media-jam-error")
		assert.Equal(t, ReasonMediaJam, p.reasons)
	})
	t.Run("unknown keywords are ignored", func(t *testing.T) {
		sys.processStateMessage(p, "+frobnicator-stuck")
		assert.Equal(t, ReasonMediaJam, p.reasons)
	})
}

func TestProcessAttrMessage(t *testing.T) {
	sys := testSystem(t, nil)
	p, err := sys.AddPrinter(PrinterDef{Name: "attrm", InitAccepting: true, InitState: PSStopped})
	require.NoError(t, err)
	p.mu.Lock()
	p.nextJobID++
	j := newJob(p, p.nextJobID, "j", "u", "", nil)
	p.jobs[j.id] = j
	p.mu.Unlock()

	sys.processAttrMessage(p, j, "job-impressions-completed=7 marker-levels=42")
	assert.Equal(t, 7, j.impcompleted)
	p.mu.RLock()
	assert.Equal(t, 42, attrInt(p.attrs, "marker-levels", 0))
	p.mu.RUnlock()
}

func TestCommandEnv(t *testing.T) {
	sys := testSystem(t, nil)
	p, err := sys.AddPrinter(PrinterDef{
		Name: "env", Command: "/bin/true", DeviceURI: "socket://10.0.0.1",
		InitAccepting: true, InitState: PSStopped,
	})
	require.NoError(t, err)

	var ticket goipp.Attributes
	a := adder(&ticket)
	a("copies", goipp.TagInteger, goipp.Integer(2))
	a("print-color-mode", goipp.TagKeyword, goipp.String("monochrome"))
	p.mu.Lock()
	p.nextJobID++
	j := newJob(p, p.nextJobID, "j", "u", "application/pdf", ticket)
	p.mu.Unlock()

	env := commandEnv(p, j)
	assert.Contains(t, env, "IPP_COPIES=2")
	assert.Contains(t, env, "IPP_PRINT_COLOR_MODE=monochrome")
	assert.Contains(t, env, "CONTENT_TYPE=application/pdf")
	assert.Contains(t, env, "DEVICE_URI=socket://10.0.0.1")

	var hasDefault bool
	for _, e := range env {
		if strings.HasPrefix(e, "IPP_MEDIA_DEFAULT=") {
			hasDefault = true
		}
	}
	assert.True(t, hasDefault, "printer *-default attributes are exported")
}

func TestEnvValue(t *testing.T) {
	attr := goipp.MakeAttribute("sides", goipp.TagKeyword, goipp.String("one-sided"))
	attr.Values.Add(goipp.TagKeyword, goipp.String("two-sided-long-edge"))
	assert.Equal(t, "one-sided,two-sided-long-edge", envValue(attr))

	res := goipp.MakeAttribute("printer-resolution", goipp.TagResolution,
		goipp.Resolution{Xres: 600, Yres: 300, Units: goipp.UnitsDpi})
	assert.Equal(t, "600x300dpi", envValue(res))

	rng := goipp.MakeAttribute("copies-supported", goipp.TagRange, goipp.Range{Lower: 1, Upper: 99})
	assert.Equal(t, "1-99", envValue(rng))

	b := goipp.MakeAttribute("flag", goipp.TagBoolean, goipp.Boolean(true))
	assert.Equal(t, "true", envValue(b))

	var col goipp.Collection
	col.Add(goipp.MakeAttribute("x-dimension", goipp.TagInteger, goipp.Integer(21000)))
	cattr := goipp.MakeAttribute("media-size", goipp.TagBeginCollection, col)
	assert.Equal(t, "{x-dimension=21000}", envValue(cattr))
}

func TestDeviceHostPort(t *testing.T) {
	assert.Equal(t, "10.0.0.5:9100", deviceHostPort("socket://10.0.0.5"))
	assert.Equal(t, "10.0.0.5:9101", deviceHostPort("socket://10.0.0.5:9101"))
	assert.Equal(t, "printer.local:9100", deviceHostPort("socket://printer.local/"))
}
