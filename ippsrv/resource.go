package ippsrv

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/OpenPrinting/goipp"
)

// ResourceState represents the resource-state attribute.
type ResourceState int32

const (
	ResPending ResourceState = iota + 1
	ResAvailable
	ResInstalled
	ResCanceled
	ResAborted
)

func (s ResourceState) String() string {
	switch s {
	case ResPending:
		return "pending"
	case ResAvailable:
		return "available"
	case ResInstalled:
		return "installed"
	case ResCanceled:
		return "canceled"
	case ResAborted:
		return "aborted"
	}
	return fmt.Sprintf("ResourceState(%d)", int32(s))
}

// Resource is a named static resource (icon, strings file, ICC profile)
// shared between printers by reference count.
type Resource struct {
	id       int
	filename string // on-disk file
	format   string // MIME type
	name     string
	info     string
	typ      string // static-image, static-strings, static-icc-profile, template-*
	path     string // logical resource path served over HTTP
	lang     string
	state    ResourceState
	useCount int
	created  time.Time
}

// ID returns the resource id.
func (r *Resource) ID() int { return r.id }

// resourceStore indexes resources by id, by on-disk filename and by
// logical resource path. A process-wide reader/writer lock guards it.
type resourceStore struct {
	mu     sync.RWMutex
	byID   map[int]*Resource
	byFile map[string]*Resource
	byPath map[string]*Resource
	nextID int
	dir    string // where resource data files are written
}

func newResourceStore(dir string) *resourceStore {
	return &resourceStore{
		byID:   make(map[int]*Resource),
		byFile: make(map[string]*Resource),
		byPath: make(map[string]*Resource),
		dir:    dir,
	}
}

// create registers a new resource in the pending state.
func (st *resourceStore) create(name, info, typ, format, lang string) (*Resource, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nextID++
	res := &Resource{
		id:      st.nextID,
		name:    name,
		info:    info,
		typ:     typ,
		format:  format,
		lang:    lang,
		state:   ResPending,
		created: time.Now(),
	}
	st.byID[res.id] = res
	return res, nil
}

// register adds a pre-existing file (configuration icons, strings) as an
// installed resource.
func (st *resourceStore) register(filename, format, typ, lang string) (*Resource, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if res, ok := st.byFile[filename]; ok {
		return res, nil
	}
	st.nextID++
	res := &Resource{
		id:       st.nextID,
		filename: filename,
		name:     filepath.Base(filename),
		format:   format,
		typ:      typ,
		lang:     lang,
		state:    ResInstalled,
		path:     fmt.Sprintf("/res/%d/%s", st.nextID, filepath.Base(filename)),
		created:  time.Now(),
	}
	st.byID[res.id] = res
	st.byFile[filename] = res
	st.byPath[res.path] = res
	return res, nil
}

func (st *resourceStore) get(id int) (*Resource, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	res, ok := st.byID[id]
	return res, ok
}

// lookupPath resolves a logical resource path to an installed resource.
func (st *resourceStore) lookupPath(path string) (*Resource, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	res, ok := st.byPath[path]
	if !ok || res.state != ResInstalled {
		return nil, false
	}
	return res, true
}

// writeData stores resource bytes, transitioning pending -> available. A
// write failure aborts the resource.
func (st *resourceStore) writeData(id int, r io.Reader) error {
	st.mu.Lock()
	res, ok := st.byID[id]
	if !ok {
		st.mu.Unlock()
		return errResourceNotFound
	}
	if res.state != ResPending {
		st.mu.Unlock()
		return errNotPossible
	}
	filename := filepath.Join(st.dir, fmt.Sprintf("resource-%d-%s", res.id, sanitizeName(res.name)))
	st.mu.Unlock()

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err == nil {
		_, err = io.Copy(f, r)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if err != nil {
		res.state = ResAborted
		return fmt.Errorf("failed to write resource data: %w", err)
	}
	res.filename = filename
	res.state = ResAvailable
	res.path = fmt.Sprintf("/res/%d/%s", res.id, sanitizeName(res.name))
	st.byFile[filename] = res
	st.byPath[res.path] = res
	return nil
}

// install transitions available -> installed.
func (st *resourceStore) install(id int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	res, ok := st.byID[id]
	if !ok {
		return errResourceNotFound
	}
	if res.state != ResAvailable {
		return errNotPossible
	}
	res.state = ResInstalled
	return nil
}

// cancel terminates a resource. Resources in use cannot be canceled.
func (st *resourceStore) cancel(id int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	res, ok := st.byID[id]
	if !ok {
		return errResourceNotFound
	}
	switch res.state {
	case ResCanceled, ResAborted:
		return errNotPossible
	}
	if res.useCount > 0 {
		return ippErrorf(goipp.StatusErrorNotPossible, "resource is in use by %d printers", res.useCount)
	}
	res.state = ResCanceled
	return nil
}

// addUse increments the reference count (printer allocation).
func (st *resourceStore) addUse(id int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	res, ok := st.byID[id]
	if !ok {
		return errResourceNotFound
	}
	res.useCount++
	return nil
}

// release decrements the reference count.
func (st *resourceStore) release(id int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if res, ok := st.byID[id]; ok && res.useCount > 0 {
		res.useCount--
	}
}

// all returns all resources in id order.
func (st *resourceStore) all() []*Resource {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Resource, 0, len(st.byID))
	for _, res := range st.byID {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// describe returns the resource-description attribute group.
func (st *resourceStore) describe(res *Resource, requested map[string]bool) goipp.Attributes {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var attrs goipp.Attributes
	a := adder(&attrs)
	a("resource-id", goipp.TagInteger, goipp.Integer(res.id))
	a("resource-name", goipp.TagName, goipp.String(res.name))
	a("resource-state", goipp.TagEnum, goipp.Integer(res.state))
	a("resource-type", goipp.TagKeyword, goipp.String(res.typ))
	a("resource-format", goipp.TagMimeType, goipp.String(res.format))
	if res.info != "" {
		a("resource-info", goipp.TagText, goipp.String(res.info))
	}
	if res.lang != "" {
		a("resource-natural-language", goipp.TagLanguage, goipp.String(res.lang))
	}
	a("resource-use-count", goipp.TagInteger, goipp.Integer(res.useCount))
	a("date-time-at-creation", goipp.TagDateTime, ippDate(res.created))
	if requested == nil {
		return attrs
	}
	var out goipp.Attributes
	for _, attr := range attrs {
		if requested[attr.Name] {
			out.Add(attr)
		}
	}
	return out
}
