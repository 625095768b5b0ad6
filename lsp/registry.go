package lsp

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	apperrors "github.com/guseggert/procbridge/internal/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Registry owns the running language server instances, keyed by instance id.
type Registry struct {
	log       *zap.SugaredLogger
	languages Table

	mu        sync.Mutex
	instances map[string]*Instance
	closed    bool
}

func NewRegistry(log *zap.SugaredLogger, languages Table) *Registry {
	return &Registry{
		log:       log,
		languages: languages,
		instances: map[string]*Instance{},
	}
}

func (r *Registry) Languages() Table { return r.languages }

// Start launches the server for language with rootPath as its working directory and
// returns the registered instance. The instance is registered before Start returns,
// so its id is valid as soon as the caller sees the port.
func (r *Registry) Start(language, rootPath string) (*Instance, error) {
	lang, err := r.languages.Lookup(language)
	if err != nil {
		return nil, err
	}
	if r.isClosed() {
		return nil, errRegistryClosed
	}
	id := uuid.New().String()
	inst, err := startInstance(r.log, id, lang, rootPath)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if err := inst.Close(); err != nil {
			r.log.Warnf("stopping LSP instance %s started during shutdown: %s", id, err)
		}
		return nil, errRegistryClosed
	}
	r.instances[id] = inst
	r.mu.Unlock()
	return inst, nil
}

var errRegistryClosed = apperrors.New(apperrors.CodeSpawnFailed, "LSP registry is shut down")

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Get returns the instance registered under id.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, apperrors.NotFound("LSP instance", id)
	}
	return inst, nil
}

// Stop removes the instance and tears it down. Removal is immediate; process
// teardown finishes in the background.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()
	if !ok {
		return apperrors.NotFound("LSP instance", id)
	}
	if err := inst.Close(); err != nil {
		r.log.Warnf("stopping LSP instance %s: %s", id, err)
	}
	return nil
}

// List returns a snapshot of every registered instance, ordered by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.instances))
	for _, inst := range r.instances {
		infos = append(infos, inst.Info())
	}
	r.mu.Unlock()
	sort.Slice(infos, func(a, b int) bool { return infos[a].ID < infos[b].ID })
	return infos
}

// StopAll tears down every instance concurrently. Later calls to Start fail.
func (r *Registry) StopAll() error {
	r.mu.Lock()
	instances := r.instances
	r.instances = map[string]*Instance{}
	r.closed = true
	r.mu.Unlock()

	var group errgroup.Group
	for _, inst := range instances {
		inst := inst
		group.Go(inst.Close)
	}
	return group.Wait()
}
