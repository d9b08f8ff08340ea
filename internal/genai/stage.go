package genai

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// stagePrefix marks content refs held in a Stage rather than remotely.
const stagePrefix = "stage:"

type staged struct {
	data     []byte
	mimeType string
	filename string
}

// Stage holds uploaded attachment bytes in process memory until they are
// deleted. It is shared by backends so a ref staged by one is usable by
// another.
type Stage struct {
	mu    sync.Mutex
	items map[string]staged
}

// NewStage creates an empty Stage.
func NewStage() *Stage {
	return &Stage{items: make(map[string]staged)}
}

func (s *Stage) put(data []byte, mimeType, filename string) string {
	ref := stagePrefix + uuid.NewString()
	s.mu.Lock()
	s.items[ref] = staged{data: data, mimeType: mimeType, filename: filename}
	s.mu.Unlock()
	return ref
}

func (s *Stage) get(ref string) (staged, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[ref]
	return it, ok
}

func (s *Stage) drop(ref string) {
	s.mu.Lock()
	delete(s.items, ref)
	s.mu.Unlock()
}

// Len returns the number of staged attachments.
func (s *Stage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func isStaged(ref string) bool {
	return strings.HasPrefix(ref, stagePrefix)
}
