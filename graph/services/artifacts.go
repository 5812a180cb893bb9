package services

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ArtifactHit is one search result from the artifact store.
type ArtifactHit struct {
	URI   string
	Name  string
	Score float64
	Meta  map[string]string
}

// Artifacts is a filesystem-backed artifact store. Saved artifacts are
// laid out under root/<runID>/<name> and addressed as file:// uris.
// Search ranks stored names and metadata by token overlap.
type Artifacts struct {
	mu      sync.RWMutex
	root    string
	entries []artifactEntry
}

type artifactEntry struct {
	runID string
	name  string
	path  string
	meta  map[string]string
}

// NewArtifacts creates a store rooted at dir. An empty dir uses a
// directory under the OS temp dir; creation is deferred to first save.
func NewArtifacts(dir string) *Artifacts {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "rungraph-artifacts")
	}
	return &Artifacts{root: dir}
}

// SaveText stores text under the run's directory and returns its uri.
func (a *Artifacts) SaveText(runID, name, text string, meta map[string]string) (string, error) {
	path, err := a.prepare(runID, name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return a.record(runID, name, path, meta), nil
}

// SaveFile copies src into the run's directory and returns its uri.
func (a *Artifacts) SaveFile(runID, name, src string, meta map[string]string) (string, error) {
	path, err := a.prepare(runID, name)
	if err != nil {
		return "", err
	}
	in, err := os.Open(src) // #nosec G304 -- caller-chosen source path
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return a.record(runID, name, path, meta), nil
}

// Search ranks artifacts by token overlap between the query and the
// artifact's name plus metadata values.
func (a *Artifacts) Search(query string, limit int) []ArtifactHit {
	a.mu.RLock()
	defer a.mu.RUnlock()

	qTokens := tokenize(query)
	var hits []ArtifactHit
	for _, e := range a.entries {
		text := e.name
		for k, v := range e.meta {
			text += " " + k + " " + v
		}
		score := overlap(qTokens, tokenize(text))
		if score > 0 {
			hits = append(hits, ArtifactHit{
				URI:   fileURI(e.path),
				Name:  e.name,
				Score: score,
				Meta:  e.meta,
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Name < hits[j].Name
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (a *Artifacts) prepare(runID, name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || strings.ContainsRune(name, filepath.Separator) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	dir := filepath.Join(a.root, runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	return filepath.Join(dir, name), nil
}

func (a *Artifacts) record(runID, name, path string, meta map[string]string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Replace on same (run, name) so re-executed nodes don't duplicate
	// entries.
	for i, e := range a.entries {
		if e.runID == runID && e.name == name {
			a.entries[i] = artifactEntry{runID: runID, name: name, path: path, meta: meta}
			return fileURI(path)
		}
	}
	a.entries = append(a.entries, artifactEntry{runID: runID, name: name, path: path, meta: meta})
	return fileURI(path)
}

func fileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs)
}
