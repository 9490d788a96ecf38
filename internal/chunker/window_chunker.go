package chunker

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"ragpipe/internal/domain"
)

// WindowChunker splits text into overlapping character windows. Cuts
// prefer a paragraph break, then a sentence end, in the second half of
// the window before falling back to a hard cut at maxSize. Splitting is
// a pure function of (text, maxSize, overlap), so re-ingesting an
// unchanged document always reproduces the same chunk sequence.
type WindowChunker struct {
	maxSize int
	overlap int
}

// NewWindowChunker validates the window parameters. Overlap is the
// number of trailing characters repeated at the start of the next
// chunk and must satisfy 0 <= overlap < maxSize.
func NewWindowChunker(maxSize, overlap int) (*WindowChunker, error) {
	if maxSize <= 0 {
		return nil, &domain.ConfigError{Field: "chunker.max_size", Reason: "must be positive"}
	}
	if overlap < 0 || overlap >= maxSize {
		return nil, &domain.ConfigError{Field: "chunker.overlap", Reason: "must satisfy 0 <= overlap < max_size"}
	}
	return &WindowChunker{maxSize: maxSize, overlap: overlap}, nil
}

func (c *WindowChunker) Chunk(document domain.Document) ([]domain.Chunk, error) {
	runes := []rune(document.RawText)
	if len(strings.TrimSpace(document.RawText)) == 0 {
		return nil, nil
	}
	var chunks []domain.Chunk
	start := 0
	seq := 0
	for start < len(runes) {
		end := start + c.maxSize
		if end >= len(runes) {
			chunks = append(chunks, c.newChunk(document.ID, seq, string(runes[start:])))
			break
		}
		cut := c.cutPoint(runes[start:end])
		chunks = append(chunks, c.newChunk(document.ID, seq, string(runes[start:start+cut])))
		seq++
		next := start + cut - c.overlap
		if next <= start {
			// Overlap swallowed the whole window; advance past it to
			// guarantee progress.
			next = start + cut
		}
		start = next
	}
	return chunks, nil
}

func (c *WindowChunker) newChunk(documentID string, seq int, text string) domain.Chunk {
	return domain.Chunk{
		ID:         chunkID(documentID, seq),
		DocumentID: documentID,
		Sequence:   seq,
		Text:       text,
		TokenCount: len(strings.Fields(text)),
	}
}

// cutPoint returns the chunk length for a full window. Boundaries in
// the first half are ignored so chunks never collapse below half the
// window size.
func (c *WindowChunker) cutPoint(window []rune) int {
	floor := len(window) / 2
	for i := len(window) - 1; i > floor; i-- {
		if window[i] == '\n' && window[i-1] == '\n' {
			return i + 1
		}
	}
	for i := len(window) - 2; i > floor; i-- {
		if isSentenceEnd(window[i]) && isSpace(window[i+1]) {
			return i + 1
		}
	}
	return len(window)
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// chunkID derives a stable UUIDv5 from the owning document and the
// chunk's position, which doubles as the vector store point ID.
func chunkID(documentID string, seq int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(documentID+":"+strconv.Itoa(seq))).String()
}
