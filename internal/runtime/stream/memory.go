package stream

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/jsoncodec"
)

// MemorySource is an in-process Source. Callers seed it with Put and
// PutModel. The local binary and tests use it in place of a ledger client.
type MemorySource struct {
	mu      sync.RWMutex
	streams map[string]Stream
	models  map[string]Model
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		streams: make(map[string]Stream),
		models:  make(map[string]Model),
	}
}

func (m *MemorySource) Put(s Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[s.ID] = s
}

func (m *MemorySource) PutModel(model Model) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[model.ID] = model
}

func (m *MemorySource) LoadStream(ctx context.Context, streamID string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return Stream{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[streamID]
	if !ok {
		return Stream{}, fmt.Errorf("%w: %s", errspkg.ErrStreamNotFound, streamID)
	}
	return s, nil
}

func (m *MemorySource) GetModel(ctx context.Context, modelID string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return Model{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	model, ok := m.models[modelID]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s", errspkg.ErrModelNotFound, modelID)
	}
	return model, nil
}

// Fixtures is the file format read by LoadFixtures.
type Fixtures struct {
	Models  []Model  `json:"models"`
	Streams []Stream `json:"streams"`
}

// LoadFixtures seeds m from a JSON document in the Fixtures format.
func (m *MemorySource) LoadFixtures(r io.Reader) (int, error) {
	var f Fixtures
	if err := jsoncodec.Decode(r, &f); err != nil {
		return 0, fmt.Errorf("decode fixtures: %w", err)
	}
	for _, model := range f.Models {
		m.PutModel(model)
	}
	for _, s := range f.Streams {
		m.Put(s)
	}
	return len(f.Models) + len(f.Streams), nil
}

// LoadFixturesFile is LoadFixtures on the file at path.
func (m *MemorySource) LoadFixturesFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return m.LoadFixtures(f)
}
