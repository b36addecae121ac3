package ippsrv

import (
	"testing"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOpContext(t *testing.T) *opContext {
	t.Helper()
	sys := testSystem(t, nil)
	p, err := sys.AddPrinter(PrinterDef{
		Name: "validate", Duplex: true, SpeedColor: 10,
		Formats:       []string{"application/pdf"},
		InitAccepting: true, InitState: PSStopped,
	})
	require.NoError(t, err)
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpValidateJob, 1)
	return &opContext{sys: sys, p: p, req: req, status: goipp.StatusOk}
}

func ticket(pairs ...goipp.Attribute) goipp.Attributes {
	var attrs goipp.Attributes
	for _, a := range pairs {
		attrs.Add(a)
	}
	return attrs
}

func TestValidateJobTicket(t *testing.T) {
	t.Run("valid ticket passes", func(t *testing.T) {
		c := testOpContext(t)
		err := c.validateJobTicket(ticket(
			goipp.MakeAttribute("copies", goipp.TagInteger, goipp.Integer(2)),
			goipp.MakeAttribute("media", goipp.TagKeyword, goipp.String("iso_a4_210x297mm")),
			goipp.MakeAttribute("sides", goipp.TagKeyword, goipp.String("two-sided-long-edge")),
			goipp.MakeAttribute("printer-resolution", goipp.TagResolution,
				goipp.Resolution{Xres: 600, Yres: 600, Units: goipp.UnitsDpi}),
		))
		assert.NoError(t, err)
		assert.Empty(t, c.unsupported)
	})

	t.Run("violations land in unsupported group", func(t *testing.T) {
		c := testOpContext(t)
		err := c.validateJobTicket(ticket(
			goipp.MakeAttribute("copies", goipp.TagInteger, goipp.Integer(1000)),
			goipp.MakeAttribute("media", goipp.TagKeyword, goipp.String("custom_bogus")),
		))
		assert.NoError(t, err, "without fidelity the operation succeeds")
		assert.Len(t, c.unsupported, 2)
	})

	t.Run("fidelity turns violations into failure", func(t *testing.T) {
		c := testOpContext(t)
		err := c.validateJobTicket(ticket(
			goipp.MakeAttribute("ipp-attribute-fidelity", goipp.TagBoolean, goipp.Boolean(true)),
			goipp.MakeAttribute("media", goipp.TagKeyword, goipp.String("custom_bogus")),
		))
		require.Error(t, err)
		status, _ := statusOf(err)
		assert.Equal(t, goipp.StatusErrorAttributesOrValues, status)
	})

	t.Run("unknown resolution rejected", func(t *testing.T) {
		c := testOpContext(t)
		_ = c.validateJobTicket(ticket(
			goipp.MakeAttribute("printer-resolution", goipp.TagResolution,
				goipp.Resolution{Xres: 1234, Yres: 1234, Units: goipp.UnitsDpi}),
		))
		assert.Len(t, c.unsupported, 1)
	})

	t.Run("job-hold-until must be supported", func(t *testing.T) {
		c := testOpContext(t)
		_ = c.validateJobTicket(ticket(
			goipp.MakeAttribute("job-hold-until", goipp.TagKeyword, goipp.String("third-shift")),
		))
		assert.Len(t, c.unsupported, 1)
	})
}

func TestValidateMediaCol(t *testing.T) {
	c := testOpContext(t)

	mediaCol := func(x, y int) goipp.Attribute {
		var size goipp.Collection
		size.Add(goipp.MakeAttribute("x-dimension", goipp.TagInteger, goipp.Integer(x)))
		size.Add(goipp.MakeAttribute("y-dimension", goipp.TagInteger, goipp.Integer(y)))
		var col goipp.Collection
		col.Add(goipp.MakeAttribute("media-size", goipp.TagBeginCollection, size))
		return goipp.MakeAttribute("media-col", goipp.TagBeginCollection, col)
	}

	t.Run("exact dimension match", func(t *testing.T) {
		err := c.validateJobTicket(ticket(mediaCol(21000, 29700)))
		assert.NoError(t, err)
		assert.Empty(t, c.unsupported)
	})
	t.Run("mismatched dimensions rejected", func(t *testing.T) {
		c := testOpContext(t)
		_ = c.validateJobTicket(ticket(mediaCol(21000, 29701)))
		assert.Len(t, c.unsupported, 1)
	})
}

func TestValidateFormat(t *testing.T) {
	c := testOpContext(t)
	assert.NoError(t, c.validateFormat("application/pdf"))
	assert.NoError(t, c.validateFormat("application/octet-stream"))
	assert.NoError(t, c.validateFormat(""))

	err := c.validateFormat("application/msword")
	require.Error(t, err)
	status, _ := statusOf(err)
	assert.Equal(t, goipp.StatusErrorDocumentFormatNotSupported, status)
}

func TestPasswordValidation(t *testing.T) {
	sys := testSystem(t, nil)
	p, err := sys.AddPrinter(PrinterDef{Name: "pinv", PIN: true, InitAccepting: true, InitState: PSStopped})
	require.NoError(t, err)
	c := &opContext{sys: sys, p: p, req: goipp.NewRequest(goipp.DefaultVersion, goipp.OpValidateJob, 1)}

	_ = c.validateJobTicket(ticket(
		goipp.MakeAttribute("job-password", goipp.TagString, goipp.Binary("1234")),
	))
	assert.Empty(t, c.unsupported)

	_ = c.validateJobTicket(ticket(
		goipp.MakeAttribute("job-password", goipp.TagString, goipp.Binary("123456789")),
	))
	assert.Len(t, c.unsupported, 1)
}
