package ippsrv

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/OpenPrinting/goipp"
	"github.com/rusq/httpex"
)

// MaxDocumentSize bounds a single spooled document.
var MaxDocumentSize int64 = 104857600

// Routes builds the HTTP resource surface:
//
//	POST /ipp/system                               system operations
//	POST /ipp/print/{name}, /ipp/print3d/{name}    per-printer IPP
//	GET  /ipp/print/{name}/icon.png                printer icon
//	GET  /ipp/print/{name}/apple.mobileconfig      Apple profile
//	GET  /ipp/print/{name}[/{page}]                HTML dashboards
//	GET  /<installed resource path>                static resources
//	OPTIONS *                                      feature discovery
func (sys *System) Routes() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("POST /ipp/system", sys.handleIPP)
	m.HandleFunc("POST /ipp/print/{name}", sys.handleIPP)
	m.HandleFunc("POST /ipp/print3d/{name}", sys.handleIPP)
	m.HandleFunc("GET /ipp/print/{name}", sys.handleWeb)
	m.HandleFunc("GET /ipp/print/{name}/{page}", sys.handleWeb)
	m.HandleFunc("GET /ipp/print3d/{name}", sys.handleWeb)
	m.HandleFunc("GET /ipp/print3d/{name}/{page}", sys.handleWeb)
	m.HandleFunc("/", sys.handleRoot)
	return httpex.LogMiddleware(sys.encryptionMiddleware(m), log.Default())
}

// encryptionMiddleware enforces the process-wide encryption policy: in
// Required mode unencrypted requests are refused with 426 Upgrade
// Required.
func (sys *System) encryptionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sys.cfg.Encryption == EncryptionRequired && r.TLS == nil && r.Method != http.MethodOptions {
			w.Header().Set("Upgrade", "TLS/1.2, HTTP/1.1")
			w.Header().Set("Connection", "Upgrade")
			httpError(w, http.StatusUpgradeRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func httpError(w http.ResponseWriter, code int) {
	http.Error(w, fmt.Sprintf("%d %s", code, http.StatusText(code)), code)
}

// handleRoot serves OPTIONS discovery and installed static resources.
func (sys *System) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Allow", "GET, HEAD, OPTIONS, POST")
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httpError(w, http.StatusBadRequest)
		return
	}
	if res, ok := sys.res.lookupPath(r.URL.Path); ok {
		w.Header().Set("Content-Type", res.format)
		if r.Method == http.MethodHead {
			return
		}
		f, err := os.Open(res.filename)
		if err != nil {
			httpError(w, http.StatusNotFound)
			return
		}
		defer f.Close()
		if _, err := io.Copy(w, f); err != nil {
			slog.Debug("failed to send resource", "path", r.URL.Path, "error", err)
		}
		return
	}
	http.NotFound(w, r)
}

// handleIPP processes one application/ipp POST.
func (sys *System) handleIPP(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, ippContentType) {
		httpError(w, http.StatusBadRequest)
		return
	}

	username, authenticated, ok := sys.authenticate(w, r)
	if !ok {
		return // 401 already sent
	}

	var p *Printer
	if name := r.PathValue("name"); name != "" {
		prn, ok := sys.Printer(strings.TrimSuffix(r.URL.Path, "/"))
		if !ok {
			// flush the body per HTTP semantics before the error
			io.Copy(io.Discard, io.LimitReader(r.Body, MaxDocumentSize))
			httpError(w, http.StatusNotFound)
			return
		}
		p = prn
	}

	var msg goipp.Message
	if err := msg.Decode(r.Body); err != nil {
		slog.Debug("bad IPP request", "error", err, "path", r.URL.Path)
		io.Copy(io.Discard, io.LimitReader(r.Body, MaxDocumentSize))
		httpError(w, http.StatusBadRequest)
		return
	}

	body := io.LimitReader(r.Body, MaxDocumentSize)
	resp, docFile := sys.dispatch(&msg, p, body, username, authenticated)

	// Drain whatever document data the handler did not consume so the
	// connection can be reused.
	io.Copy(io.Discard, body)

	w.Header().Set("Content-Type", ippContentType)
	if err := resp.Encode(w); err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	if docFile != "" {
		f, err := os.Open(docFile)
		if err != nil {
			slog.Error("failed to open spooled document", "file", docFile, "error", err)
			return
		}
		defer f.Close()
		if _, err := io.Copy(w, f); err != nil {
			slog.Debug("failed to stream document", "file", docFile, "error", err)
		}
	}
}
