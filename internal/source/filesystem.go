package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"github.com/sirupsen/logrus"

	"ragpipe/internal/domain"
)

// FilesystemSource discovers documents under a directory, filtered by a
// fixed set of file extensions. Document identity is the sha256 of the
// raw file bytes, so renamed copies dedup to one document.
type FilesystemSource struct {
	dir        string
	extensions map[string]struct{}
	logger     *logrus.Logger
}

func NewFilesystemSource(dir string, extensions []string, logger *logrus.Logger) *FilesystemSource {
	if logger == nil {
		logger = logrus.New()
	}
	exts := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	return &FilesystemSource{dir: dir, extensions: exts, logger: logger}
}

// List walks the source directory and returns one Document per matching
// file. A missing or unreadable directory is a coordinator-level fault;
// a single unreadable file only skips that file.
func (s *FilesystemSource) List(ctx context.Context) ([]domain.Document, error) {
	if _, err := os.Stat(s.dir); err != nil {
		return nil, fmt.Errorf("source directory %s: %w", s.dir, err)
	}
	var docs []domain.Document
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := s.extensions[ext]; !ok {
			return nil
		}
		doc, err := s.load(path, ext)
		if err != nil {
			s.logger.WithError(err).WithField("path", path).Warn("Skipping unreadable document")
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// WalkDir order is already lexical; keep it explicit so discovery
	// order never depends on the filesystem.
	sort.Slice(docs, func(i, j int) bool { return docs[i].SourcePath < docs[j].SourcePath })
	return docs, nil
}

func (s *FilesystemSource) load(path, ext string) (domain.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Document{}, err
	}
	text := string(raw)
	if ext == ".pdf" {
		text, err = extractPDFText(path)
		if err != nil {
			return domain.Document{}, fmt.Errorf("extract pdf text: %w", err)
		}
	}
	hash := sha256.Sum256(raw)
	contentHash := hex.EncodeToString(hash[:])
	return domain.Document{
		ID:           documentID(contentHash),
		SourcePath:   path,
		RawText:      text,
		ContentHash:  contentHash,
		DiscoveredAt: time.Now().UTC(),
	}, nil
}

func extractPDFText(path string) (string, error) {
	f, rdr, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	r, err := rdr.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// documentID derives a stable UUIDv5 from the content hash so the same
// bytes always map to the same document and vector store points.
func documentID(contentHash string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("document:"+contentHash)).String()
}
