package retrieval

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// indexableExtensions are the corpus file types the builder will chunk.
var indexableExtensions = map[string]bool{
	".md": true, ".txt": true, ".rst": true,
	".go": true, ".py": true, ".js": true, ".ts": true,
	".rs": true, ".c": true, ".h": true, ".cpp": true,
	".java": true, ".sh": true, ".yaml": true, ".yml": true,
	".json": true, ".toml": true,
}

// BuilderConfig sizes the word-window chunker.
type BuilderConfig struct {
	ChunkSize    int // words per chunk
	ChunkOverlap int // words shared between adjacent chunks
}

// DefaultBuilderConfig returns the standard chunker sizing.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{ChunkSize: 300, ChunkOverlap: 50}
}

// BuildIndex chunks every indexable file under corpusDir, embeds the
// chunks, and atomically writes the index document into the engine's
// index directory. The in-memory index is invalidated so the next
// retrieval sees the new build.
func (e *Engine) BuildIndex(corpusDir string, cfg BuilderConfig) (int, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 300
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 6
	}

	info, err := os.Stat(corpusDir)
	if err != nil {
		return 0, fmt.Errorf("corpus dir %s: %w", corpusDir, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("corpus path %s is not a directory", corpusDir)
	}

	doc := indexDocument{
		Dim:       e.embedder.Dim(),
		BuiltAt:   time.Now().UTC(),
		CorpusDir: corpusDir,
	}

	walkErr := filepath.WalkDir(corpusDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable entry during index build")
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != corpusDir {
				return fs.SkipDir
			}
			return nil
		}
		if !indexableExtensions[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable file during index build")
			return nil
		}

		rel, err := filepath.Rel(corpusDir, path)
		if err != nil {
			rel = path
		}
		for i, chunk := range chunkWords(string(data), cfg.ChunkSize, cfg.ChunkOverlap) {
			doc.Chunks = append(doc.Chunks, indexedChunk{
				FilePath:   rel,
				ChunkIndex: i,
				Content:    chunk,
				Vector:     e.embedder.Embed(chunk),
			})
		}
		return nil
	})
	if walkErr != nil {
		return 0, fmt.Errorf("walk corpus %s: %w", corpusDir, walkErr)
	}

	if err := e.saveIndex(&doc); err != nil {
		return 0, err
	}
	e.invalidate()

	log.Info().
		Int("chunks", len(doc.Chunks)).
		Str("corpus", corpusDir).
		Msg("Retrieval index built")
	return len(doc.Chunks), nil
}

// chunkWords splits text into word windows of size chunkSize advancing by
// chunkSize-overlap words.
func chunkWords(text string, chunkSize, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= chunkSize {
		return []string{strings.Join(words, " ")}
	}

	step := chunkSize - overlap
	var chunks []string
	for start := 0; start < len(words); start += step {
		end := start + chunkSize
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

// saveIndex writes the document atomically (temp file + rename).
func (e *Engine) saveIndex(doc *indexDocument) error {
	if err := os.MkdirAll(e.indexDir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	tmp, err := os.CreateTemp(e.indexDir, ".index-*.json")
	if err != nil {
		return fmt.Errorf("create temp index file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp index file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(e.indexDir, indexFileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename index into place: %w", err)
	}
	return nil
}
