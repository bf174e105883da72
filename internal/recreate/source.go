package recreate

import (
	"io"
	"iter"

	"github.com/ossyrian/zimrecreate/internal/zim"
)

// SourceItem is a data holding entry of the archive being recreated.
type SourceItem interface {
	Path() string
	Title() string
	MimeType() string
	Size() (uint64, error)
	Data() ([]byte, error)
	Reader() (io.Reader, error)
}

// SourceEntry is an entry of the archive being recreated.
type SourceEntry interface {
	Path() string
	Title() string
	IsRedirect() bool
	// RedirectPath is the path of the entry a redirect points to.
	RedirectPath() (string, error)
	// Item is the item of a non redirect entry.
	Item() (SourceItem, error)
}

// Source is the archive being recreated.
// Lookups of absent entries return errors matching zim.ErrNotFound.
type Source interface {
	HasNewNamespaceScheme() bool
	Entries() iter.Seq2[SourceEntry, error]
	MetadataKeys() []string
	Metadata(key string) ([]byte, error)
	IllustrationItem() (SourceItem, error)
	// MainPath is the path of the item the main entry resolves to.
	MainPath() (string, error)
}

// Builder receives the recreated entries. *zim.Creator implements it.
type Builder interface {
	SetMainPath(path string)
	AddRedirection(path, title, target string, hints zim.Hints) error
	AddItem(item zim.WriterItem) error
	AddMetadata(key string, content zim.ContentProvider, mimeType string) error
	AddIllustration(size uint, data []byte) error
}

var _ Builder = (*zim.Creator)(nil)

type archiveSource struct {
	archive *zim.Archive
}

// NewSource exposes an opened archive as a Source.
func NewSource(a *zim.Archive) Source {
	return &archiveSource{archive: a}
}

func (s *archiveSource) HasNewNamespaceScheme() bool {
	return s.archive.HasNewNamespaceScheme()
}

func (s *archiveSource) Entries() iter.Seq2[SourceEntry, error] {
	return func(yield func(SourceEntry, error) bool) {
		for e, err := range s.archive.EntriesByCluster() {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(archiveEntry{e}, nil) {
				return
			}
		}
	}
}

func (s *archiveSource) MetadataKeys() []string {
	return s.archive.MetadataKeys()
}

func (s *archiveSource) Metadata(key string) ([]byte, error) {
	return s.archive.Metadata(key)
}

func (s *archiveSource) IllustrationItem() (SourceItem, error) {
	item, err := s.archive.IllustrationItem(zim.DefaultIllustrationSize)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *archiveSource) MainPath() (string, error) {
	e, err := s.archive.MainEntry()
	if err != nil {
		return "", err
	}
	item, err := e.Item(true)
	if err != nil {
		return "", err
	}
	return item.Path(), nil
}

type archiveEntry struct {
	*zim.Entry
}

func (e archiveEntry) RedirectPath() (string, error) {
	target, err := e.RedirectEntry()
	if err != nil {
		return "", err
	}
	return target.Path(), nil
}

func (e archiveEntry) Item() (SourceItem, error) {
	item, err := e.Entry.Item(false)
	if err != nil {
		return nil, err
	}
	return item, nil
}
