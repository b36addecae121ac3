package ippsrv

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
)

// authenticate verifies an Authorization: Basic header when authentication
// is enabled. It returns the authenticated user name, whether the request
// carried valid credentials, and false when a 401 response was written.
//
// With authentication enabled, a request without credentials (or with
// malformed or wrong ones) is answered with a 401 challenge.
func (sys *System) authenticate(w http.ResponseWriter, r *http.Request) (string, bool, bool) {
	if !sys.cfg.Auth.Enabled {
		return "", false, true
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		sys.challenge(w)
		return "", false, false
	}
	scheme, rest, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, "Basic") {
		sys.challenge(w)
		return "", false, false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
	if err != nil {
		sys.challenge(w)
		return "", false, false
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok || user == "" || pass == "" {
		sys.challenge(w)
		return "", false, false
	}
	if !sys.verifyCredentials(user, pass) {
		slog.Info("authentication failed", "user", user, "remote", r.RemoteAddr)
		sys.challenge(w)
		return "", false, false
	}
	return user, true, true
}

func (sys *System) challenge(w http.ResponseWriter) {
	realm := sys.cfg.Auth.Realm
	if realm == "" {
		realm = "Printing"
	}
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q charset=\"UTF-8\"", realm))
	httpError(w, http.StatusUnauthorized)
}

// verifyCredentials checks the password against the fixed test password or
// hands the pair to the configured authentication service, a PAM-style
// helper that reads the password on stdin and exits 0 on success.
func (sys *System) verifyCredentials(user, pass string) bool {
	if tp := sys.cfg.Auth.TestPassword; tp != "" {
		return pass == tp
	}
	if svc := sys.cfg.Auth.Service; svc != "" {
		cmd := exec.Command(svc, user)
		cmd.Stdin = strings.NewReader(pass + "\n")
		if err := cmd.Run(); err != nil {
			slog.Debug("auth service rejected", "service", svc, "user", user, "error", err)
			return false
		}
		return true
	}
	return false
}
