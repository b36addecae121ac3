package ippsrv

import (
	"context"
	"strings"
	"testing"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSystem(t *testing.T, cfg *Config) *System {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = t.TempDir()
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "testhost"
	}
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []Listener{{Host: "", Port: 8631}}
	}
	sys, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Shutdown(context.Background()) })
	return sys
}

func TestSynthesizeAttrs(t *testing.T) {
	sys := testSystem(t, nil)

	t.Run("color follows ppm_color", func(t *testing.T) {
		p, err := sys.AddPrinter(PrinterDef{Name: "color", SpeedColor: 10, Speed: 20, InitAccepting: true})
		require.NoError(t, err)
		assert.True(t, attrBool(p.attrs, "color-supported", false))
		assert.Equal(t, 20, attrInt(p.attrs, "pages-per-minute", 0))
		assert.Equal(t, 10, attrInt(p.attrs, "pages-per-minute-color", 0))

		mono, err := sys.AddPrinter(PrinterDef{Name: "mono", Speed: 20, InitAccepting: true})
		require.NoError(t, err)
		assert.False(t, attrBool(mono.attrs, "color-supported", true))
		assert.Equal(t, []string{"monochrome"}, attrKeywords(mono.attrs, "print-color-mode-supported"))
	})

	t.Run("sides follow duplex", func(t *testing.T) {
		d, err := sys.AddPrinter(PrinterDef{Name: "duplex", Duplex: true, InitAccepting: true})
		require.NoError(t, err)
		assert.Len(t, attrKeywords(d.attrs, "sides-supported"), 3)
		assert.Contains(t, attrKeywords(d.attrs, "urf-supported"), "DM3")

		s, err := sys.AddPrinter(PrinterDef{Name: "simplex", InitAccepting: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"one-sided"}, attrKeywords(s.attrs, "sides-supported"))
		assert.NotContains(t, attrKeywords(s.attrs, "urf-supported"), "DM3")
	})

	t.Run("device id carries CMD list", func(t *testing.T) {
		p, err := sys.AddPrinter(PrinterDef{
			Name: "cmd", Make: "Example", Model: "Mk I",
			Formats:       []string{"application/pdf", "image/urf"},
			InitAccepting: true,
		})
		require.NoError(t, err)
		id := attrString(p.attrs, "printer-device-id", "")
		assert.Contains(t, id, "MFG:Example;")
		assert.Contains(t, id, "MDL:Mk I;")
		assert.Contains(t, id, "CMD:PDF,URF;")
	})

	t.Run("configuration overrides win", func(t *testing.T) {
		var overrides goipp.Attributes
		overrides.Add(goipp.MakeAttribute("printer-info", goipp.TagText, goipp.String("custom info")))
		p, err := sys.AddPrinter(PrinterDef{Name: "over", Attrs: overrides, InitAccepting: true})
		require.NoError(t, err)
		assert.Equal(t, "custom info", attrString(p.attrs, "printer-info", ""))
	})

	t.Run("pin printing gates job-password", func(t *testing.T) {
		p, err := sys.AddPrinter(PrinterDef{Name: "pin", PIN: true, InitAccepting: true})
		require.NoError(t, err)
		assert.Equal(t, 4, attrInt(p.attrs, "job-password-supported", 0))

		nop, err := sys.AddPrinter(PrinterDef{Name: "nopin", InitAccepting: true})
		require.NoError(t, err)
		assert.False(t, hasAttr(nop.attrs, "job-password-supported"))
	})
}

func TestPrinterURIs(t *testing.T) {
	t.Run("no TLS means no ipps", func(t *testing.T) {
		sys := testSystem(t, nil)
		p, err := sys.AddPrinter(PrinterDef{Name: "plain", InitAccepting: true})
		require.NoError(t, err)
		for _, v := range attrKeywords(p.attrs, "printer-uri-supported") {
			assert.False(t, strings.HasPrefix(v, "ipps:"), "unexpected ipps URI %q", v)
		}
	})
}

func TestPrinterUUIDDeterministic(t *testing.T) {
	u1 := printerUUID("host", 631, "demo")
	u2 := printerUUID("host", 631, "demo")
	u3 := printerUUID("host", 632, "demo")
	assert.Equal(t, u1, u2)
	assert.NotEqual(t, u1, u3)
}

func TestDeviceID(t *testing.T) {
	id := deviceID("", "", []string{"application/pdf"})
	assert.Equal(t, "MFG:Unknown;MDL:Printer;CMD:PDF;", id)
	assert.Equal(t, "MFG:A;MDL:B;", deviceID("A", "B", nil))
}

func TestMediaColEntry(t *testing.T) {
	sz, ok := mediaSizeByName("iso_a4_210x297mm")
	require.True(t, ok)
	col := mediaColEntry(sz)
	attrs := goipp.Attributes(col)
	assert.True(t, hasAttr(attrs, "media-size"))
	assert.Equal(t, "iso_a4_210x297mm", attrString(attrs, "media-size-name", ""))
}
