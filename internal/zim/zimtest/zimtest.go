// Package zimtest builds small archives for tests.
package zimtest

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ossyrian/zimrecreate/internal/zim"
)

// Item is a text or binary item. In legacy archives Path carries the
// namespace ("A/index.html").
type Item struct {
	Path     string
	Title    string
	MimeType string
	Content  string
}

// Redirect points Path to Target.
type Redirect struct {
	Path   string
	Title  string
	Target string
}

// Archive describes an archive to write.
type Archive struct {
	Legacy       bool
	MainPath     string
	Metadata     map[string]string
	Illustration []byte
	Items        []Item
	Redirects    []Redirect
	ClusterSize  int
}

// Write creates the archive as name in dir and returns its path.
func Write(t testing.TB, dir, name string, a Archive) string {
	t.Helper()

	path := filepath.Join(dir, name)
	c := zim.NewCreator(zim.CreatorConfig{
		ClusterSize:      a.ClusterSize,
		Workers:          2,
		LegacyNamespaces: a.Legacy,
	}, Logger())

	if err := c.Start(path); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if a.MainPath != "" {
		c.SetMainPath(a.MainPath)
	}
	for k, v := range a.Metadata {
		if err := c.AddMetadata(k, zim.StringProvider(v), "text/plain"); err != nil {
			t.Fatalf("AddMetadata(%s) failed: %v", k, err)
		}
	}
	if a.Illustration != nil {
		if err := c.AddIllustration(zim.DefaultIllustrationSize, a.Illustration); err != nil {
			t.Fatalf("AddIllustration() failed: %v", err)
		}
	}
	for _, item := range a.Items {
		if err := c.AddItem(writerItem{item}); err != nil {
			t.Fatalf("AddItem(%s) failed: %v", item.Path, err)
		}
	}
	for _, r := range a.Redirects {
		if err := c.AddRedirection(r.Path, r.Title, r.Target, nil); err != nil {
			t.Fatalf("AddRedirection(%s) failed: %v", r.Path, err)
		}
	}
	if err := c.Finish(); err != nil {
		t.Fatalf("Finish() failed: %v", err)
	}
	return path
}

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// PNG is the smallest valid PNG header, enough for content sniffing.
var PNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x000\x00\x00\x000\x08\x06\x00\x00\x00")

type writerItem struct {
	item Item
}

func (w writerItem) Path() string     { return w.item.Path }
func (w writerItem) Title() string    { return w.item.Title }
func (w writerItem) MimeType() string { return w.item.MimeType }

func (w writerItem) ContentProvider() (zim.ContentProvider, error) {
	return zim.StringProvider(w.item.Content), nil
}

func (w writerItem) Hints() zim.Hints {
	if strings.HasPrefix(w.item.MimeType, "text/html") {
		return zim.Hints{zim.HintFrontArticle: 1}
	}
	return nil
}
