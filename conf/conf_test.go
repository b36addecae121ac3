package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rusq/ippserver/ippsrv"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSystem(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "system.conf", `
# sample configuration
Name testsys
Info Test system
Listen localhost:8631
Listen *:631
Encryption Required
Authentication yes
AuthTestPassword s3cret
AuthName PrintRealm
MaxJobs 50
MaxCompletedJobs 10
KeepFiles yes
LogLevel debug
JobPrivacyAttributes job-name job-originating-user-name
JobPrivacyScope owner
FileDirectory "/var/spool/one" "/var/spool/two"
OwnerName Print Admin
OwnerEmail admin@example.com
DefaultPrinter demo
UUID 01234567-89ab-cdef-0123-456789abcdef
`)
	cfg, defs, err := Load(dir)
	require.NoError(t, err)
	assert.Empty(t, defs)

	assert.Equal(t, "testsys", cfg.Name)
	assert.Equal(t, "Test system", cfg.Info)
	require.Len(t, cfg.Listeners, 2)
	assert.Equal(t, ippsrv.Listener{Host: "localhost", Port: 8631}, cfg.Listeners[0])
	assert.Equal(t, ippsrv.Listener{Host: "", Port: 631}, cfg.Listeners[1])
	assert.Equal(t, ippsrv.EncryptionRequired, cfg.Encryption)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "s3cret", cfg.Auth.TestPassword)
	assert.Equal(t, "PrintRealm", cfg.Auth.Realm)
	assert.Equal(t, 50, cfg.MaxJobs)
	assert.Equal(t, 10, cfg.MaxCompletedJobs)
	assert.True(t, cfg.KeepFiles)
	assert.Equal(t, []string{"job-name", "job-originating-user-name"}, cfg.JobPrivacy.Attributes)
	assert.Equal(t, "owner", cfg.JobPrivacy.Scope)
	assert.Equal(t, []string{"/var/spool/one", "/var/spool/two"}, cfg.FileDirs)
	assert.Equal(t, "Print Admin", cfg.OwnerName)
	assert.Equal(t, "demo", cfg.DefaultPrinter)
	assert.Equal(t, "01234567-89ab-cdef-0123-456789abcdef", cfg.UUID)
}

func TestLoadPrinter(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "print/demo.conf", `
Make Example
Model LaserJammer 9000
Command /usr/libexec/print-command
DeviceURI socket://10.0.0.5:9100
OutputFormat application/pdf
InitialState 1 3 0
MaxOutputDevices 4
WebForms yes
Strings de "demo_de.strings"
ATTR mimeMediaType document-format-supported application/pdf,image/jpeg
ATTR keyword sides-supported one-sided,two-sided-long-edge
ATTR integer pages-per-minute 42
ATTR boolean color-supported true
ATTR rangeOfInteger copies-supported 1-9
ATTR resolution printer-resolution-supported 600x600dpi
ATTR collection media-col-default {
MEMBER keyword media-size-name iso_a4_210x297mm
}
`)
	def, err := LoadPrinter(path, false)
	require.NoError(t, err)

	assert.Equal(t, "demo", def.Name)
	assert.Equal(t, "Example", def.Make)
	assert.Equal(t, "LaserJammer 9000", def.Model)
	assert.Equal(t, "/usr/libexec/print-command", def.Command)
	assert.Equal(t, "socket://10.0.0.5:9100", def.DeviceURI)
	assert.Equal(t, "application/pdf", def.OutputFormat)
	assert.True(t, def.InitAccepting)
	assert.Equal(t, ippsrv.PSIdle, def.InitState)
	assert.Equal(t, 4, def.MaxDevices)
	assert.True(t, def.WebForms)
	assert.Equal(t, "demo_de.strings", def.Strings["de"])

	assert.Equal(t, []string{"application/pdf", "image/jpeg"}, def.Formats)
	assert.True(t, def.Duplex, "two sides-supported values imply duplex")
	require.Len(t, def.Attrs, 7)
	assert.Equal(t, "pages-per-minute", def.Attrs[2].Name)
	assert.Equal(t, "media-col-default", def.Attrs[6].Name)
}

func TestLoadPrinterBadAttr(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "print/bad.conf", "ATTR frobnicate x y\n")
	_, err := LoadPrinter(path, false)
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "ippserver", cfg.Name)
	assert.NotZero(t, cfg.MaxCompletedJobs)
	assert.Equal(t, "default", cfg.JobPrivacy.Scope)
}

func TestUnquoteAll(t *testing.T) {
	assert.Equal(t, []string{"/a b", "/c"}, unquoteAll(`"/a b" /c`))
	assert.Equal(t, []string{"/plain"}, unquoteAll("/plain"))
	assert.Nil(t, unquoteAll(""))
}

func TestParseListen(t *testing.T) {
	l, err := parseListen("localhost:631")
	require.NoError(t, err)
	assert.Equal(t, ippsrv.Listener{Host: "localhost", Port: 631}, l)

	l, err = parseListen("myhost")
	require.NoError(t, err)
	assert.Equal(t, ippsrv.Listener{Host: "myhost", Port: 631}, l)

	_, err = parseListen("host:notaport")
	assert.Error(t, err)
}
