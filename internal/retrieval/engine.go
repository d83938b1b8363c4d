// Package retrieval implements the local context engine: a brute-force
// cosine index over chunked corpus files, a deterministic fallback
// embedder, and budgeted retrieval for the orchestrator.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrIndexNotFound marks a missing or never-built index. The orchestrator
// treats it as "no context available" and continues.
var ErrIndexNotFound = errors.New("retrieval index not found")

const indexFileName = "index.json"

// indexedChunk is one corpus chunk plus its embedding.
type indexedChunk struct {
	FilePath   string    `json:"filePath"`
	ChunkIndex int       `json:"chunkIndex"`
	Content    string    `json:"content"`
	Vector     []float64 `json:"vector"`
}

// indexDocument is the persisted index file format.
type indexDocument struct {
	Dim       int            `json:"dim"`
	BuiltAt   time.Time      `json:"builtAt"`
	CorpusDir string         `json:"corpusDir"`
	Chunks    []indexedChunk `json:"chunks"`
}

// Engine answers retrieval queries against a loaded index.
type Engine struct {
	indexDir string
	embedder Embedder

	mu     sync.RWMutex
	doc    *indexDocument
	loaded bool
}

// NewEngine creates an engine reading its index from indexDir. The index
// is loaded lazily on first use.
func NewEngine(indexDir string, embedder Embedder) *Engine {
	if embedder == nil {
		embedder = NewHashEmbedder()
	}
	return &Engine{indexDir: indexDir, embedder: embedder}
}

// Retrieve ranks all indexed chunks against the query and returns the top
// matches that fit the token budget, capped at maxArtifacts.
func (e *Engine) Retrieve(ctx context.Context, query string, tokenBudget, maxArtifacts int) (*models.RetrievalResult, error) {
	start := time.Now()

	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryVec := e.embedder.Embed(query)

	e.mu.RLock()
	chunks := e.doc.Chunks
	e.mu.RUnlock()

	type scored struct {
		chunk *indexedChunk
		score float64
	}
	candidates := make([]scored, 0, len(chunks))
	for i := range chunks {
		candidates = append(candidates, scored{
			chunk: &chunks[i],
			score: cosineSimilarity(queryVec, chunks[i].Vector),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	result := &models.RetrievalResult{
		Artifacts:            []models.Artifact{},
		CandidatesConsidered: len(candidates),
	}
	for _, c := range candidates {
		if len(result.Artifacts) >= maxArtifacts {
			break
		}
		tokens := models.EstimateTokens(c.chunk.Content)
		if result.TokensUsed+tokens > tokenBudget {
			continue
		}
		result.Artifacts = append(result.Artifacts, models.Artifact{
			FilePath:   c.chunk.FilePath,
			ChunkIndex: c.chunk.ChunkIndex,
			Content:    c.chunk.Content,
			Relevance:  c.score,
			Tokens:     tokens,
		})
		result.TokensUsed += tokens
	}

	result.RetrievalTimeMs = time.Since(start).Milliseconds()
	log.Debug().
		Int("artifacts", len(result.Artifacts)).
		Int("tokens_used", result.TokensUsed).
		Int("candidates", result.CandidatesConsidered).
		Msg("Retrieval complete")
	return result, nil
}

// IndexExists reports whether a built index is present on disk.
func (e *Engine) IndexExists() bool {
	e.mu.RLock()
	if e.loaded {
		e.mu.RUnlock()
		return true
	}
	e.mu.RUnlock()
	_, err := os.Stat(filepath.Join(e.indexDir, indexFileName))
	return err == nil
}

// ChunkCount returns the number of indexed chunks, 0 when unloaded.
func (e *Engine) ChunkCount() int {
	if err := e.ensureLoaded(); err != nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.doc.Chunks)
}

func (e *Engine) ensureLoaded() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return nil
	}

	path := filepath.Join(e.indexDir, indexFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrIndexNotFound
		}
		return fmt.Errorf("read index %s: %w", path, err)
	}

	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse index %s: %w", path, err)
	}
	if doc.Dim != e.embedder.Dim() {
		return fmt.Errorf("index dimension %d does not match embedder dimension %d", doc.Dim, e.embedder.Dim())
	}

	e.doc = &doc
	e.loaded = true
	log.Info().Int("chunks", len(doc.Chunks)).Str("dir", e.indexDir).Msg("Retrieval index loaded")
	return nil
}

// invalidate drops the cached index so the next call reloads from disk.
func (e *Engine) invalidate() {
	e.mu.Lock()
	e.doc = nil
	e.loaded = false
	e.mu.Unlock()
}
