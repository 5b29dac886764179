package repository

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/danmuck/rfcctl/internal/rfc"
)

const DefaultMemorySize = 256

// Memory is a process-local LRU of descriptors.
type Memory struct {
	cache *lru.Cache
}

func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}
	return &Memory{cache: c}, nil
}

func (m *Memory) Get(name string) (rfc.FunctionDescriptor, error) {
	v, ok := m.cache.Get(rfc.NormalizeName(name))
	if !ok {
		return rfc.FunctionDescriptor{}, ErrMiss
	}
	return v.(rfc.FunctionDescriptor).Clone(), nil
}

func (m *Memory) Put(desc rfc.FunctionDescriptor) error {
	d := desc.Clone()
	if err := d.Validate(); err != nil {
		return err
	}
	m.cache.Add(d.Name, d)
	return nil
}

func (m *Memory) Invalidate(name string) error {
	m.cache.Remove(rfc.NormalizeName(name))
	return nil
}

func (m *Memory) Len() int {
	return m.cache.Len()
}
