package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const maxChunkRunes = 1200

// PassageWriter is the slice of the index the indexer needs.
type PassageWriter interface {
	EnsureCollection(ctx context.Context, vectorSize uint64) error
	UpsertPassages(ctx context.Context, passages []Passage, vectors [][]float32) error
}

// Indexer embeds the markdown corpus and loads it into the vector
// index. Passage ids are derived from source path and chunk position,
// so reindexing a file overwrites its previous points.
type Indexer struct {
	corpusDir string
	embedder  Embedder
	writer    PassageWriter
	logger    *slog.Logger
}

func NewIndexer(corpusDir string, embedder Embedder, writer PassageWriter, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		corpusDir: corpusDir,
		embedder:  embedder,
		writer:    writer,
		logger:    logger.With("component", "indexer"),
	}
}

// Reindex walks the corpus directory and indexes every markdown file.
func (ix *Indexer) Reindex(ctx context.Context) error {
	var files []string
	err := filepath.WalkDir(ix.corpusDir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk corpus: %w", err)
	}

	indexed := 0
	for _, path := range files {
		if err := ix.IndexFile(ctx, path); err != nil {
			return err
		}
		indexed++
	}
	ix.logger.Info("corpus reindexed", "files", indexed)
	return nil
}

// IndexFile chunks, embeds and upserts one corpus file.
func (ix *Indexer) IndexFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read corpus file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat corpus file: %w", err)
	}

	source, err := filepath.Rel(ix.corpusDir, path)
	if err != nil {
		source = filepath.Base(path)
	}

	chunks := chunkMarkdown(string(raw))
	if len(chunks) == 0 {
		return nil
	}

	passages := make([]Passage, len(chunks))
	for i, chunk := range chunks {
		passages[i] = Passage{
			ID:         passageID(source, i),
			Content:    chunk,
			Source:     source,
			SourceDate: info.ModTime().UTC(),
		}
	}

	vectors, err := ix.embedder.EmbedTexts(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embed corpus file %s: %w", source, err)
	}
	if len(vectors) > 0 {
		if err := ix.writer.EnsureCollection(ctx, uint64(len(vectors[0]))); err != nil {
			return err
		}
	}
	if err := ix.writer.UpsertPassages(ctx, passages, vectors); err != nil {
		return fmt.Errorf("index corpus file %s: %w", source, err)
	}
	ix.logger.Info("corpus file indexed", "source", source, "passages", len(passages))
	return nil
}

func passageID(source string, chunk int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", source, chunk))).String()
}

// chunkMarkdown splits on blank lines and packs paragraphs into chunks
// capped at maxChunkRunes, never splitting inside a paragraph unless a
// single paragraph alone exceeds the cap.
func chunkMarkdown(text string) []string {
	paragraphs := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if chunk := strings.TrimSpace(current.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
		currentLen = 0
	}

	for _, paragraph := range paragraphs {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		runes := []rune(paragraph)
		if len(runes) > maxChunkRunes {
			flush()
			for start := 0; start < len(runes); start += maxChunkRunes {
				end := start + maxChunkRunes
				if end > len(runes) {
					end = len(runes)
				}
				chunks = append(chunks, strings.TrimSpace(string(runes[start:end])))
			}
			continue
		}
		if currentLen > 0 && currentLen+len(runes) > maxChunkRunes {
			flush()
		}
		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(paragraph)
		currentLen += len(runes)
	}
	flush()
	return chunks
}
