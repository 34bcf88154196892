/*
Package catalog defines the chapter metadata collaborator.

Chapter and novel content storage is outside this engine; the resolver
only needs pricing and release-frontier metadata. Provider is the
consumed interface, Memory is the implementation used by tests and the
demo server.
*/
package catalog

import (
	"context"
	"errors"
	"sync"
)

// ErrChapterNotFound is returned for unknown chapter ids.
var ErrChapterNotFound = errors.New("chapter not found")

// Chapter is the metadata the entitlement engine needs about a chapter.
type Chapter struct {
	ID            string
	NovelID       string
	ChapterNumber int

	// BasePrice is the karma cost in smallest units; 0 means free.
	BasePrice int64

	// IsAdvanceEligible marks chapters beyond the public release
	// frontier, reachable only through a subscription advance window.
	IsAdvanceEligible bool
}

// Free reports whether the chapter is a public free chapter.
func (c Chapter) Free() bool { return c.BasePrice <= 0 && !c.IsAdvanceEligible }

// Provider supplies chapter metadata and the novel's release frontier.
type Provider interface {
	Chapter(ctx context.Context, chapterID string) (Chapter, error)
	LatestPublishedChapterNumber(ctx context.Context, novelID string) (int, error)
}

// =============================================================================
// MEMORY PROVIDER
// =============================================================================

// Memory is an in-memory Provider for tests and development.
type Memory struct {
	mu       sync.RWMutex
	chapters map[string]Chapter
	frontier map[string]int // novel id -> latest published chapter number
}

func NewMemory() *Memory {
	return &Memory{
		chapters: make(map[string]Chapter),
		frontier: make(map[string]int),
	}
}

// AddChapter registers a chapter and advances the novel's frontier when
// the chapter is publicly published.
func (m *Memory) AddChapter(c Chapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chapters[c.ID] = c
	if !c.IsAdvanceEligible && c.ChapterNumber > m.frontier[c.NovelID] {
		m.frontier[c.NovelID] = c.ChapterNumber
	}
}

// SetFrontier pins a novel's latest published chapter number directly.
func (m *Memory) SetFrontier(novelID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frontier[novelID] = n
}

func (m *Memory) Chapter(_ context.Context, chapterID string) (Chapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chapters[chapterID]
	if !ok {
		return Chapter{}, ErrChapterNotFound
	}
	return c, nil
}

func (m *Memory) LatestPublishedChapterNumber(_ context.Context, novelID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frontier[novelID], nil
}
