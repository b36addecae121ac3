// Package conf loads the server configuration: a line-oriented
// system.conf with `Directive value` entries, plus per-printer
// configuration files under print/ and print3d/ with ATTR and MEMBER
// records mirroring the IPP type system.
package conf

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"

	"github.com/rusq/ippserver/ippsrv"
)

// Load reads <dir>/system.conf and every printer file under <dir>/print
// and <dir>/print3d.
func Load(dir string) (*ippsrv.Config, []ippsrv.PrinterDef, error) {
	cfg := Defaults()
	sysconf := filepath.Join(dir, "system.conf")
	if _, err := os.Stat(sysconf); err == nil {
		if err := loadSystem(sysconf, cfg); err != nil {
			return nil, nil, err
		}
	}

	var defs []ippsrv.PrinterDef
	for _, sub := range []string{"print", "print3d"} {
		matches, err := filepath.Glob(filepath.Join(dir, sub, "*.conf"))
		if err != nil {
			return nil, nil, err
		}
		for _, file := range matches {
			def, err := LoadPrinter(file, sub == "print3d")
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", file, err)
			}
			defs = append(defs, def)
		}
	}
	return cfg, defs, nil
}

// Defaults returns the built-in configuration.
func Defaults() *ippsrv.Config {
	hostname, _ := os.Hostname()
	return &ippsrv.Config{
		Name:             "ippserver",
		Hostname:         hostname,
		MaxCompletedJobs: 100,
		JobRetention:     5 * time.Minute,
		JobPrivacy:       ippsrv.PrivacyPolicy{Attributes: []string{"default"}, Scope: "default"},
		DocumentPrivacy:  ippsrv.PrivacyPolicy{Attributes: []string{"default"}, Scope: "default"},
		SubscriptionPrivacy: ippsrv.PrivacyPolicy{
			Attributes: []string{"default"}, Scope: "default",
		},
		LogLevel: slog.LevelInfo,
	}
}

// loadSystem applies system.conf directives over cfg.
func loadSystem(path string, cfg *ippsrv.Config) error {
	return eachDirective(path, func(directive, value string, lineno int) error {
		switch directive {
		case "Authentication":
			cfg.Auth.Enabled = boolValue(value)
		case "AuthAdminGroup":
			cfg.Auth.AdminGroup = value
		case "AuthGroups":
			cfg.Auth.Groups = strings.Fields(value)
		case "AuthName":
			cfg.Auth.Realm = value
		case "AuthOperatorGroup":
			cfg.Auth.OperatorGroup = value
		case "AuthProxyGroup":
			cfg.Auth.ProxyGroup = value
		case "AuthService":
			cfg.Auth.Service = value
		case "AuthTestPassword":
			cfg.Auth.TestPassword = value
			cfg.Auth.Enabled = true
		case "AuthType":
			cfg.Auth.Type = value
		case "BinDir":
			cfg.BinDir = value
		case "DataDir":
			cfg.DataDir = value
		case "DefaultPrinter":
			cfg.DefaultPrinter = value
		case "DocumentPrivacyAttributes":
			cfg.DocumentPrivacy.Attributes = strings.Fields(value)
		case "DocumentPrivacyScope":
			cfg.DocumentPrivacy.Scope = value
		case "Encryption":
			enc, err := ippsrv.ParseEncryption(value)
			if err != nil {
				return fmt.Errorf("line %d: %w", lineno, err)
			}
			cfg.Encryption = enc
		case "FileDirectory":
			cfg.FileDirs = append(cfg.FileDirs, unquoteAll(value)...)
		case "GeoLocation":
			cfg.GeoLocation = value
		case "Info":
			cfg.Info = value
		case "JobPrivacyAttributes":
			cfg.JobPrivacy.Attributes = strings.Fields(value)
		case "JobPrivacyScope":
			cfg.JobPrivacy.Scope = value
		case "KeepFiles":
			cfg.KeepFiles = boolValue(value)
		case "Listen":
			l, err := parseListen(value)
			if err != nil {
				return fmt.Errorf("line %d: %w", lineno, err)
			}
			cfg.Listeners = append(cfg.Listeners, l)
		case "Location":
			cfg.Location = value
		case "LogFile":
			// accepted but not applied; logs go to stderr
		case "LogLevel":
			switch value {
			case "error":
				cfg.LogLevel = slog.LevelError
			case "info":
				cfg.LogLevel = slog.LevelInfo
			case "debug":
				cfg.LogLevel = slog.LevelDebug
			default:
				return fmt.Errorf("line %d: unknown log level %q", lineno, value)
			}
		case "MakeAndModel":
			// accepted but not applied; printers carry their own
			// Make/Model
		case "MaxCompletedJobs":
			cfg.MaxCompletedJobs = intValue(value)
		case "MaxJobs":
			cfg.MaxJobs = intValue(value)
		case "Name":
			cfg.Name = value
		case "OwnerEmail":
			cfg.OwnerEmail = value
		case "OwnerLocation":
			cfg.OwnerLocation = value
		case "OwnerName":
			cfg.OwnerName = value
		case "OwnerPhone":
			cfg.OwnerPhone = value
		case "SpoolDir":
			cfg.SpoolDir = value
		case "StateDir":
			cfg.StateDir = value
		case "SubscriptionPrivacyAttributes":
			cfg.SubscriptionPrivacy.Attributes = strings.Fields(value)
		case "SubscriptionPrivacyScope":
			cfg.SubscriptionPrivacy.Scope = value
		case "UUID":
			cfg.UUID = value
		default:
			slog.Warn("unknown configuration directive", "directive", directive, "line", lineno)
		}
		return nil
	})
}

// LoadPrinter reads one printer configuration file. The sibling .png icon
// is picked up automatically; .strings localizations are loaded only
// through Strings directives.
func LoadPrinter(path string, is3D bool) (ippsrv.PrinterDef, error) {
	name := strings.TrimSuffix(filepath.Base(path), ".conf")
	def := ippsrv.PrinterDef{
		Name:          name,
		Is3D:          is3D,
		InitAccepting: true,
		Strings:       make(map[string]string),
	}
	if icon := strings.TrimSuffix(path, ".conf") + ".png"; exists(icon) {
		def.Icon = icon
	}

	var collection *goipp.Attribute // open ATTR collection record
	err := eachDirective(path, func(directive, value string, lineno int) error {
		switch directive {
		case "AuthPrintGroup":
			def.AuthPrintGrp = value
		case "AuthProxyGroup":
			def.AuthProxyGrp = value
		case "Command":
			def.Command = value
		case "DeviceURI":
			def.DeviceURI = value
		case "InitialState":
			var accepting, state, reasons int
			if _, err := fmt.Sscanf(value, "%d %d %d", &accepting, &state, &reasons); err != nil {
				return fmt.Errorf("line %d: bad InitialState: %w", lineno, err)
			}
			def.InitAccepting = accepting != 0
			def.InitState = ippsrv.PrinterState(state)
			def.InitReasons = ippsrv.Reason(reasons)
		case "Make":
			def.Make = value
		case "MaxOutputDevices":
			def.MaxDevices = intValue(value)
		case "Model":
			def.Model = value
		case "OutputDevice":
			// not recorded: devices re-register themselves; the device cap
			// comes from MaxOutputDevices
		case "OutputFormat":
			def.OutputFormat = value
		case "Profile":
			def.Profiles = append(def.Profiles, unquote(value))
		case "Strings":
			lang, file, ok := strings.Cut(value, " ")
			if !ok {
				return fmt.Errorf("line %d: bad Strings directive", lineno)
			}
			def.Strings[lang] = unquote(strings.TrimSpace(file))
		case "WebForms":
			def.WebForms = boolValue(value)
		case "ATTR":
			attr, open, err := parseAttrLine(value)
			if err != nil {
				return fmt.Errorf("line %d: %w", lineno, err)
			}
			if open {
				collection = attr
				return nil
			}
			def.Attrs.Add(*attr)
		case "MEMBER":
			if collection == nil {
				return fmt.Errorf("line %d: MEMBER outside collection", lineno)
			}
			attr, _, err := parseAttrLine(value)
			if err != nil {
				return fmt.Errorf("line %d: %w", lineno, err)
			}
			col := collection.Values[0].V.(goipp.Collection)
			col.Add(*attr)
			collection.Values[0].V = col
		case "}":
			if collection != nil {
				def.Attrs.Add(*collection)
				collection = nil
			}
		default:
			slog.Warn("unknown printer directive", "directive", directive, "file", path, "line", lineno)
		}
		return nil
	})
	if err != nil {
		return def, err
	}
	if collection != nil {
		def.Attrs.Add(*collection)
	}

	// derived convenience fields
	if formats, ok := findKeywords(def.Attrs, "document-format-supported"); ok {
		def.Formats = formats
	}
	if sides, ok := findKeywords(def.Attrs, "sides-supported"); ok {
		def.Duplex = len(sides) > 1
	}
	return def, nil
}

// parseAttrLine parses "<tag> <name> <value>". For "collection <name> {"
// it returns an open collection attribute to be filled by MEMBER lines.
func parseAttrLine(s string) (*goipp.Attribute, bool, error) {
	tagStr, rest, ok := strings.Cut(s, " ")
	if !ok {
		return nil, false, fmt.Errorf("malformed ATTR record %q", s)
	}
	name, value, _ := strings.Cut(strings.TrimSpace(rest), " ")
	value = strings.TrimSpace(value)

	if tagStr == "collection" {
		attr := goipp.MakeAttribute(name, goipp.TagBeginCollection, goipp.Collection{})
		return &attr, true, nil
	}

	tag, ok := tagForName(tagStr)
	if !ok {
		return nil, false, fmt.Errorf("unknown value tag %q", tagStr)
	}
	values, err := ippsrv.ParseAttrValue(tag, unquote(value))
	if err != nil {
		return nil, false, err
	}
	attr := goipp.Attribute{Name: name, Values: values}
	return &attr, false, nil
}

// tagForName maps configuration tag keywords to goipp tags.
func tagForName(name string) (goipp.Tag, bool) {
	switch name {
	case "integer":
		return goipp.TagInteger, true
	case "boolean":
		return goipp.TagBoolean, true
	case "enum":
		return goipp.TagEnum, true
	case "text":
		return goipp.TagText, true
	case "name":
		return goipp.TagName, true
	case "keyword":
		return goipp.TagKeyword, true
	case "uri":
		return goipp.TagURI, true
	case "uriScheme":
		return goipp.TagURIScheme, true
	case "charset":
		return goipp.TagCharset, true
	case "naturalLanguage":
		return goipp.TagLanguage, true
	case "mimeMediaType", "mimetype":
		return goipp.TagMimeType, true
	case "dateTime":
		return goipp.TagDateTime, true
	case "resolution":
		return goipp.TagResolution, true
	case "rangeOfInteger":
		return goipp.TagRange, true
	case "octetString":
		return goipp.TagString, true
	}
	return 0, false
}

// eachDirective calls fn for every non-empty, non-comment line.
func eachDirective(path string, fn func(directive, value string, lineno int) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		directive, value, _ := strings.Cut(line, " ")
		if err := fn(directive, strings.TrimSpace(value), lineno); err != nil {
			return err
		}
	}
	return sc.Err()
}

func parseListen(value string) (ippsrv.Listener, error) {
	host, portStr, ok := strings.Cut(value, ":")
	if !ok {
		// bare host: default IPP port
		return ippsrv.Listener{Host: value, Port: 631}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ippsrv.Listener{}, fmt.Errorf("bad Listen value %q: %w", value, err)
	}
	if host == "*" {
		host = ""
	}
	return ippsrv.Listener{Host: host, Port: port}, nil
}

func boolValue(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "on", "true", "1":
		return true
	}
	return false
}

func intValue(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// unquoteAll splits a directive value into words, honoring quotes
// (FileDirectory takes repeatable quoted paths).
func unquoteAll(s string) []string {
	var out []string
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			break
		}
		if s[0] == '"' {
			if end := strings.IndexByte(s[1:], '"'); end >= 0 {
				out = append(out, s[1:1+end])
				s = s[end+2:]
				continue
			}
			out = append(out, s[1:])
			break
		}
		if i := strings.IndexAny(s, " \t"); i >= 0 {
			out = append(out, s[:i])
			s = s[i+1:]
		} else {
			out = append(out, s)
			break
		}
	}
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func findKeywords(attrs goipp.Attributes, name string) ([]string, bool) {
	for _, attr := range attrs {
		if attr.Name != name {
			continue
		}
		var out []string
		for _, v := range attr.Values {
			out = append(out, v.V.String())
		}
		return out, len(out) > 0
	}
	return nil, false
}
