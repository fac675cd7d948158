package rpc

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// Registry is the procedure catalog. Procedures register under dotted paths
// ("session.updateTitle"); the path is the dispatch key on every transport.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]*Procedure
}

// NewRegistry creates an empty catalog.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]*Procedure)}
}

// Register adds a procedure. Schemas compile here so a bad declaration
// fails at startup, not on first call.
func (r *Registry) Register(path string, proc *Procedure) error {
	if path == "" || strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") {
		return fmt.Errorf("invalid procedure path %q", path)
	}
	if proc.Resolve == nil && proc.Subscribe == nil {
		return fmt.Errorf("procedure %s has no resolver", path)
	}
	if err := proc.compileSchema(path); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procs[path]; exists {
		return fmt.Errorf("procedure %s is already registered", path)
	}
	r.procs[path] = proc
	return nil
}

// MustRegister registers or panics. Catalog construction is startup-only.
func (r *Registry) MustRegister(path string, proc *Procedure) {
	if err := r.Register(path, proc); err != nil {
		panic(err)
	}
}

// Lookup returns the procedure at path.
func (r *Registry) Lookup(path string) (*Procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	proc, ok := r.procs[path]
	return proc, ok
}

// Paths returns every registered path sorted, for the admin catalog.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.procs))
	for path := range r.procs {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}
