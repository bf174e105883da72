package recreate

import (
	"bytes"
	"io"
	"iter"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/ossyrian/zimrecreate/internal/zim"
)

type fakeItem struct {
	path, title, mime string
	data              []byte
}

func (i *fakeItem) Path() string               { return i.path }
func (i *fakeItem) Title() string              { return i.title }
func (i *fakeItem) MimeType() string           { return i.mime }
func (i *fakeItem) Size() (uint64, error)      { return uint64(len(i.data)), nil }
func (i *fakeItem) Data() ([]byte, error)      { return bytes.Clone(i.data), nil }
func (i *fakeItem) Reader() (io.Reader, error) { return bytes.NewReader(i.data), nil }

type fakeEntry struct {
	path, title string
	target      string // set for redirects
	item        *fakeItem
}

func (e *fakeEntry) Path() string     { return e.path }
func (e *fakeEntry) Title() string    { return e.title }
func (e *fakeEntry) IsRedirect() bool { return e.target != "" }

func (e *fakeEntry) RedirectPath() (string, error) {
	return e.target, nil
}

func (e *fakeEntry) Item() (SourceItem, error) {
	return e.item, nil
}

func itemEntry(path, title, mime, data string) *fakeEntry {
	return &fakeEntry{path: path, title: title, item: &fakeItem{path: path, title: title, mime: mime, data: []byte(data)}}
}

func redirectEntry(path, title, target string) *fakeEntry {
	return &fakeEntry{path: path, title: title, target: target}
}

type fakeSource struct {
	modern       bool
	entries      []*fakeEntry
	keys         []string
	metadata     map[string]string
	illustration []byte
	mainPath     string
	entryErr     error
}

func (s *fakeSource) HasNewNamespaceScheme() bool { return s.modern }

func (s *fakeSource) Entries() iter.Seq2[SourceEntry, error] {
	return func(yield func(SourceEntry, error) bool) {
		for _, e := range s.entries {
			if !yield(e, nil) {
				return
			}
		}
		if s.entryErr != nil {
			yield(nil, s.entryErr)
		}
	}
}

func (s *fakeSource) MetadataKeys() []string { return s.keys }

func (s *fakeSource) Metadata(key string) ([]byte, error) {
	v, ok := s.metadata[key]
	if !ok {
		return nil, errors.Wrap(zim.ErrNotFound, key)
	}
	return []byte(v), nil
}

func (s *fakeSource) IllustrationItem() (SourceItem, error) {
	if s.illustration == nil {
		return nil, errors.Wrap(zim.ErrNotFound, "illustration")
	}
	return &fakeItem{path: "M/Illustration_48x48@1", mime: "image/png", data: s.illustration}, nil
}

func (s *fakeSource) MainPath() (string, error) {
	if s.mainPath == "" {
		return "", errors.Wrap(zim.ErrNotFound, "main entry")
	}
	return s.mainPath, nil
}

type addedMetadata struct {
	key, value, mime string
}

type addedRedirect struct {
	path, title, target string
	hints               zim.Hints
}

type addedItem struct {
	path, title, mime, content string
	hints                      zim.Hints
}

// recorder is a Builder keeping every call.
type recorder struct {
	mainPath      string
	metadata      []addedMetadata
	illustrations map[uint][]byte
	redirects     []addedRedirect
	items         []addedItem
	failOn        string
}

func newRecorder() *recorder {
	return &recorder{illustrations: map[uint][]byte{}}
}

func (r *recorder) SetMainPath(path string) { r.mainPath = path }

func (r *recorder) AddRedirection(path, title, target string, hints zim.Hints) error {
	r.redirects = append(r.redirects, addedRedirect{path, title, target, hints})
	return nil
}

func (r *recorder) AddItem(item zim.WriterItem) error {
	if item.Path() == r.failOn {
		return errors.New("builder failure")
	}
	p, err := item.ContentProvider()
	if err != nil {
		return err
	}
	rd, err := p.Reader()
	if err != nil {
		return err
	}
	content, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	r.items = append(r.items, addedItem{item.Path(), item.Title(), item.MimeType(), string(content), item.Hints()})
	return nil
}

func (r *recorder) AddMetadata(key string, content zim.ContentProvider, mimeType string) error {
	rd, err := content.Reader()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	r.metadata = append(r.metadata, addedMetadata{key, string(data), mimeType})
	return nil
}

func (r *recorder) AddIllustration(size uint, data []byte) error {
	r.illustrations[size] = data
	return nil
}

func (r *recorder) metadataKeys() []string {
	keys := make([]string, len(r.metadata))
	for i, m := range r.metadata {
		keys[i] = m.key
	}
	return keys
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
