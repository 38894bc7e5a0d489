package face

import (
	"context"
	"errors"
	"image"
	"sort"
	"sync"
	"time"
)

var (
	ErrNoFaceDetected       = errors.New("no face detected")
	ErrInsufficientSamples  = errors.New("insufficient face samples")
	ErrNoEnrolledIdentities = errors.New("no enrolled identities")
	ErrNoSamples            = errors.New("no training samples")
	ErrIdentityExists       = errors.New("identity already enrolled")
	ErrIdentityNotFound     = errors.New("identity not found")
	ErrInvalidName          = errors.New("identity name required")
	ErrLabelMapCorrupt      = errors.New("label map does not match classifier")
	ErrRetrainFailed        = errors.New("retrain after delete failed")
)

// Identity is an enrolled person and the face samples captured for them.
type Identity struct {
	Name       string
	Samples    []*image.Gray
	EnrolledAt time.Time
}

// Artifact is the persisted trained model. Blob and Labels are written
// and read as one record.
type Artifact struct {
	Version   int64
	Labels    map[int]string
	Blob      []byte
	TrainedAt time.Time
}

// Store persists identities and the trained model artifact.
type Store interface {
	// CreateIdentity stores the identity and all of its samples, or
	// nothing. It returns ErrIdentityExists for a taken name.
	CreateIdentity(ctx context.Context, id Identity) error
	// Identities returns every identity with its samples, sorted by name.
	Identities(ctx context.Context) ([]Identity, error)
	// IdentityNames returns enrolled names sorted.
	IdentityNames(ctx context.Context) ([]string, error)
	DeleteIdentity(ctx context.Context, name string) error
	SaveArtifact(ctx context.Context, a Artifact) error
	// LoadArtifact returns nil when no model has been saved.
	LoadArtifact(ctx context.Context) (*Artifact, error)
	ClearArtifact(ctx context.Context) error
}

// MemoryStore keeps identities in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]Identity
	artifact   *Artifact
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{identities: make(map[string]Identity)}
}

func (s *MemoryStore) CreateIdentity(_ context.Context, id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[id.Name]; ok {
		return ErrIdentityExists
	}
	id.Samples = append([]*image.Gray(nil), id.Samples...)
	s.identities[id.Name] = id
	return nil
}

func (s *MemoryStore) Identities(_ context.Context) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Identity, 0, len(s.identities))
	for _, id := range s.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) IdentityNames(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.identities))
	for name := range s.identities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) DeleteIdentity(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[name]; !ok {
		return ErrIdentityNotFound
	}
	delete(s.identities, name)
	return nil
}

func (s *MemoryStore) SaveArtifact(_ context.Context, a Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact = cloneArtifact(&a)
	return nil
}

func (s *MemoryStore) LoadArtifact(_ context.Context) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.artifact == nil {
		return nil, nil
	}
	return cloneArtifact(s.artifact), nil
}

func (s *MemoryStore) ClearArtifact(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact = nil
	return nil
}

func cloneArtifact(a *Artifact) *Artifact {
	c := *a
	c.Blob = append([]byte(nil), a.Blob...)
	c.Labels = make(map[int]string, len(a.Labels))
	for k, v := range a.Labels {
		c.Labels[k] = v
	}
	return &c
}
