package state

import (
	"fmt"
	"sync"

	"courier/internal/courier/domain"
	"courier/pkg/logger"

	"github.com/google/uuid"
)

// Registry holds the host application's File Records. All reads return
// copies so the engine can never mutate a record in place.
type Registry interface {
	// Add stores a file, assigning a new ID when it has none.
	// Returns the stored record's ID.
	Add(file domain.FileRecord) (string, error)
	// Get returns a copy of the file with the given ID.
	Get(id string) (domain.FileRecord, bool)
	// Remove deletes a file. Removing an unknown ID is a no-op.
	Remove(id string)
	// IDs returns file IDs in insertion order.
	IDs() []string
	// Snapshot returns copies of every file in insertion order.
	Snapshot() []domain.FileRecord
	// ReplaceAll swaps in a new snapshot in one step. Every file must
	// already be registered; on error nothing is changed.
	ReplaceAll(files []domain.FileRecord) error
	Len() int
}

type registry struct {
	files  map[string]domain.FileRecord
	order  []string
	mutex  sync.RWMutex
	logger *logger.Logger
}

// New creates an empty, thread-safe registry.
func New(log *logger.Logger) Registry {
	if log == nil {
		log = logger.Global()
	}
	return &registry{
		files:  make(map[string]domain.FileRecord),
		logger: log.WithField("component", "registry"),
	}
}

func (r *registry) Add(file domain.FileRecord) (string, error) {
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	if file.Mode == "" {
		file.Mode = domain.ModeLocal
	}
	if err := file.Validate(); err != nil {
		return "", err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.files[file.ID]; exists {
		return "", fmt.Errorf("file %s already registered", file.ID)
	}
	r.files[file.ID] = file.Clone()
	r.order = append(r.order, file.ID)

	r.logger.Debug("file registered", "fileId", file.ID, "name", file.Name, "mode", string(file.Mode), "totalFiles", len(r.files))
	return file.ID, nil
}

func (r *registry) Get(id string) (domain.FileRecord, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	f, ok := r.files[id]
	if !ok {
		return domain.FileRecord{}, false
	}
	return f.Clone(), true
}

func (r *registry) Remove(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.files[id]; !ok {
		return
	}
	delete(r.files, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *registry) IDs() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return append([]string(nil), r.order...)
}

func (r *registry) Snapshot() []domain.FileRecord {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	files := make([]domain.FileRecord, 0, len(r.order))
	for _, id := range r.order {
		f := r.files[id]
		files = append(files, f.Clone())
	}
	return files
}

func (r *registry) ReplaceAll(files []domain.FileRecord) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	next := make(map[string]domain.FileRecord, len(r.files))
	for id, f := range r.files {
		next[id] = f
	}
	for i := range files {
		f := files[i]
		if _, ok := r.files[f.ID]; !ok {
			return fmt.Errorf("cannot replace unregistered file %s", f.ID)
		}
		if err := f.Validate(); err != nil {
			return err
		}
		next[f.ID] = f.Clone()
	}
	r.files = next

	r.logger.Debug("registry snapshot replaced", "updatedFiles", len(files))
	return nil
}

func (r *registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.files)
}
