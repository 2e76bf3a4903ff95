package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IndexDirectory embeds every .txt and .md file under dir (non-recursive) and
// adds them to the store. It returns the number of documents indexed.
func IndexDirectory(ctx context.Context, dir string, embedder Embedder, store *MemoryStore) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read corpus dir: %w", err)
	}

	indexed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".txt" && ext != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return indexed, fmt.Errorf("read corpus file %s: %w", name, err)
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		vec, err := embedder.Embed(ctx, content)
		if err != nil {
			return indexed, fmt.Errorf("embed corpus file %s: %w", name, err)
		}
		store.Add(Document{
			ID:      name,
			Title:   strings.TrimSuffix(name, ext),
			Content: content,
		}, vec, nil)
		indexed++
	}
	return indexed, nil
}
