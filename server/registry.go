package server

import (
	"sort"
	"sync"
)

// Export describes one block device made available over NBD.
type Export struct {
	Name string
	Size uint64
}

// Registry is the in-memory, best-effort set of export names this
// process has seen. It holds no authoritative state of its own -- S3
// remains the source of truth for every export's contents and its
// lease -- so it exists purely for NBD_OPT_LIST and log correlation,
// not for deciding which exports may be used.
//
// Per the "created on first reference" model, Lookup never rejects a
// name: an export not yet seen is registered on the spot, at the
// registry's configured size, and handed back as if it had always
// existed.
type Registry struct {
	mu         sync.Mutex
	byName     map[string]Export
	names      []string
	exportSize uint64
}

// defaultExportName is substituted for an empty NBD_OPT_GO export name,
// matching NBD's "default export" convention for single-export setups.
const defaultExportName = "default"

// NewRegistry builds an empty Registry that creates exports of
// exportSize bytes on first reference.
func NewRegistry(exportSize uint64) *Registry {
	return &Registry{
		byName:     make(map[string]Export),
		exportSize: exportSize,
	}
}

// Lookup resolves name to its Export, creating it at the registry's
// configured size if this is the first time name has been referenced.
// An empty name resolves to defaultExportName.
func (r *Registry) Lookup(name string) (Export, bool) {
	if name == "" {
		name = defaultExportName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byName[name]; ok {
		return e, true
	}
	e := Export{Name: name, Size: r.exportSize}
	r.byName[e.Name] = e
	r.names = append(r.names, e.Name)
	sort.Strings(r.names)
	return e, true
}

// Names returns every export name seen so far, sorted, for
// NBD_OPT_LIST.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}
