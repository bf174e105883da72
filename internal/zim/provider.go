package zim

import (
	"bytes"
	"io"
	"strings"
)

// ContentProvider yields the content of an item being added to a Creator.
// Reader is called once; it must produce exactly Size bytes.
type ContentProvider interface {
	Size() uint64
	Reader() (io.Reader, error)
}

// StringProvider provides content from a string.
type StringProvider string

func (s StringProvider) Size() uint64 {
	return uint64(len(s))
}

func (s StringProvider) Reader() (io.Reader, error) {
	return strings.NewReader(string(s)), nil
}

// BytesProvider provides content from a byte slice, which must not be modified afterwards.
type BytesProvider []byte

func (b BytesProvider) Size() uint64 {
	return uint64(len(b))
}

func (b BytesProvider) Reader() (io.Reader, error) {
	return bytes.NewReader(b), nil
}

// HintKey names a hint given to the creator about an entry.
type HintKey int

const (
	// HintFrontArticle marks an entry as directly browsable, listed in the front article index.
	HintFrontArticle HintKey = iota
	// HintCompress forces (1) or prevents (0) compression of the item content.
	HintCompress
)

// Hints are optional per-entry creator hints.
type Hints map[HintKey]uint64

// Has reports whether the hint is set to a non-zero value.
func (h Hints) Has(k HintKey) bool {
	return h[k] != 0
}

// WriterItem is an item to be added to a Creator.
type WriterItem interface {
	Path() string
	Title() string
	MimeType() string
	ContentProvider() (ContentProvider, error)
	Hints() Hints
}

// compressible guesses from the mimetype whether the content benefits from compression.
func compressible(mimeType string) bool {
	switch {
	case strings.HasPrefix(mimeType, "text/"),
		strings.Contains(mimeType, "javascript"),
		strings.Contains(mimeType, "json"),
		strings.Contains(mimeType, "xml"),
		strings.Contains(mimeType, "svg"):
		return true
	}
	return false
}
