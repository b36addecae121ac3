package ippsrv

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// spool manages the on-disk document store. Files live under
// <dir>/<printer-name>/<job-id>-<sanitized-name>.<ext> and are removed on
// terminal job state unless keep is set.
type spool struct {
	dir  string
	keep bool
}

func newSpool(dir string, keep bool) (*spool, error) {
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "ipp-spool")
		if err != nil {
			return nil, fmt.Errorf("failed to create temporary spool directory: %w", err)
		}
		slog.Info("using temporary spool directory", "dir", dir)
	} else {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create spool directory %s: %w", dir, err)
		}
	}
	return &spool{dir: dir, keep: keep}, nil
}

// create writes document data for a job, returning the spool file path.
func (s *spool) create(p *Printer, j *Job, docname, format string, r io.Reader) (string, int64, error) {
	pdir := filepath.Join(s.dir, sanitizeName(p.name))
	if err := os.MkdirAll(pdir, 0700); err != nil {
		return "", 0, fmt.Errorf("failed to create printer spool directory: %w", err)
	}
	name := sanitizeName(docname)
	if name == "" {
		name = "untitled"
	}
	path := filepath.Join(pdir, fmt.Sprintf("%d-%s.%s", j.id, name, extForFormat(format)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create spool file %s: %w", path, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("failed to write spool file %s: %w", path, err)
	}
	slog.Debug("document spooled", "job_id", j.id, "printer", p.name, "file", path, "bytes", n)
	return path, n, nil
}

// remove deletes all spool files of a job, honoring KeepFiles.
func (s *spool) remove(j *Job) {
	if s.keep {
		return
	}
	j.mu.RLock()
	paths := make([]string, 0, len(j.docs))
	for _, d := range j.docs {
		paths = append(paths, d.path)
	}
	j.mu.RUnlock()
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Error("failed to remove spool file", "file", path, "error", err)
		}
	}
}

// Close removes the spool directory when files are not kept.
func (s *spool) Close() error {
	if s.keep {
		return nil
	}
	return os.RemoveAll(s.dir)
}

// sweepJobs removes terminal jobs older than horizon and caps the
// completed-job history at maxCompleted per printer. Runs from the system
// housekeeping loop.
func (sys *System) sweepJobs(now time.Time) {
	horizon := sys.cfg.JobRetention
	if horizon <= 0 {
		horizon = 5 * time.Minute
	}
	for _, p := range sys.Printers() {
		var drop []*Job
		p.mu.Lock()
		for i := 0; i < len(p.completed); {
			j := p.completed[i]
			j.mu.RLock()
			old := !j.completedAt.IsZero() && now.Sub(j.completedAt) > horizon
			j.mu.RUnlock()
			if old {
				drop = append(drop, j)
				p.completed = append(p.completed[:i], p.completed[i+1:]...)
				continue
			}
			i++
		}
		if max := sys.cfg.MaxCompletedJobs; max > 0 && len(p.completed) > max {
			over := len(p.completed) - max
			drop = append(drop, p.completed[:over]...)
			p.completed = append([]*Job(nil), p.completed[over:]...)
		}
		for _, j := range drop {
			delete(p.jobs, j.id)
		}
		p.mu.Unlock()
		for _, j := range drop {
			sys.spool.remove(j)
			slog.Debug("job swept", "printer", p.name, "job_id", j.id)
		}
	}
}
