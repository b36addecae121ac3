package ippsrv

import (
	"bytes"
	"testing"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyAttributes(t *testing.T) {
	var src goipp.Attributes
	a := adder(&src)
	a("printer-name", goipp.TagName, goipp.String("demo"))
	a("printer-state", goipp.TagEnum, goipp.Integer(3))
	a("media-col-database", goipp.TagBeginCollection, goipp.Collection{})

	t.Run("all requested skips media-col-database", func(t *testing.T) {
		var dst goipp.Attributes
		copyAttributes(&dst, src, nil, nil)
		assert.Len(t, dst, 2)
		assert.False(t, hasAttr(dst, "media-col-database"))
	})
	t.Run("explicit request includes media-col-database", func(t *testing.T) {
		var dst goipp.Attributes
		copyAttributes(&dst, src, map[string]bool{"media-col-database": true}, nil)
		require.Len(t, dst, 1)
		assert.Equal(t, "media-col-database", dst[0].Name)
	})
	t.Run("requested set filters", func(t *testing.T) {
		var dst goipp.Attributes
		copyAttributes(&dst, src, map[string]bool{"printer-name": true}, nil)
		require.Len(t, dst, 1)
		assert.Equal(t, "printer-name", dst[0].Name)
	})
	t.Run("exclusion wins", func(t *testing.T) {
		var dst goipp.Attributes
		copyAttributes(&dst, src, nil, map[string]bool{"printer-state": true})
		assert.False(t, hasAttr(dst, "printer-state"))
	})
}

func TestRequestedAttributes(t *testing.T) {
	var op goipp.Attributes
	a := adder(&op)
	a("requested-attributes", goipp.TagKeyword, goipp.String("printer-name"), goipp.String("printer-state"))
	set := requestedAttributes(op)
	assert.True(t, set["printer-name"])
	assert.True(t, set["printer-state"])
	assert.False(t, set["printer-uuid"])

	var all goipp.Attributes
	adder(&all)("requested-attributes", goipp.TagKeyword, goipp.String("all"))
	assert.Nil(t, requestedAttributes(all))

	assert.Nil(t, requestedAttributes(nil))
}

func TestMessageRoundTrip(t *testing.T) {
	msg := goipp.NewRequest(goipp.DefaultVersion, goipp.OpPrintJob, 42)
	a := adder(&msg.Operation)
	a("attributes-charset", goipp.TagCharset, ippUTF8)
	a("attributes-natural-language", goipp.TagLanguage, ippENUS)
	a("printer-uri", goipp.TagURI, goipp.String("ipp://localhost:631/ipp/print/demo"))
	a("job-name", goipp.TagName, goipp.String("hello"))
	a("copies", goipp.TagInteger, goipp.Integer(2))
	a("printer-resolution", goipp.TagResolution, goipp.Resolution{Xres: 600, Yres: 600, Units: goipp.UnitsDpi})
	a("page-ranges", goipp.TagRange, goipp.Range{Lower: 1, Upper: 5})

	var col goipp.Collection
	col.Add(goipp.MakeAttribute("media-size-name", goipp.TagKeyword, goipp.String("iso_a4_210x297mm")))
	msg.Job.Add(goipp.MakeAttribute("media-col", goipp.TagBeginCollection, col))

	var buf bytes.Buffer
	require.NoError(t, msg.Encode(&buf))

	var got goipp.Message
	require.NoError(t, got.Decode(&buf))
	assert.True(t, msg.Equal(got), "decode(encode(m)) must equal m")
	assert.Equal(t, uint32(42), got.RequestID)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "hello_world.pdf", sanitizeName("hello world.pdf"))
	assert.Equal(t, "a_b_c", sanitizeName("a/b:c"))
}

func TestExtForFormat(t *testing.T) {
	assert.Equal(t, "pdf", extForFormat("application/pdf"))
	assert.Equal(t, "prn", extForFormat("application/x-unknown"))
	assert.Equal(t, "gcode", extForFormat("text/x-gcode"))
}

func TestUptime(t *testing.T) {
	epoch := time.Now()
	assert.Equal(t, 0, uptime(epoch, time.Time{}))
	assert.Equal(t, 0, uptime(epoch, epoch.Add(-time.Second)))
	assert.Greater(t, uptime(epoch, epoch.Add(time.Second)), 0)
}
