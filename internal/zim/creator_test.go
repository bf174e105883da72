package zim_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossyrian/zimrecreate/internal/zim"
	"github.com/ossyrian/zimrecreate/internal/zim/zimtest"
)

type item struct {
	path, title, mime, content string
	hints                      zim.Hints
}

func (i item) Path() string     { return i.path }
func (i item) Title() string    { return i.title }
func (i item) MimeType() string { return i.mime }
func (i item) Hints() zim.Hints { return i.hints }

func (i item) ContentProvider() (zim.ContentProvider, error) {
	return zim.StringProvider(i.content), nil
}

func newCreator(t *testing.T, cfg zim.CreatorConfig) (*zim.Creator, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.zim")
	c := zim.NewCreator(cfg, zimtest.Logger())
	require.NoError(t, c.Start(path))
	return c, path
}

func readContent(t *testing.T, a *zim.Archive, path string) string {
	t.Helper()
	e, err := a.EntryByPath(path)
	require.NoError(t, err, path)
	it, err := e.Item(true)
	require.NoError(t, err, path)
	data, err := it.Data()
	require.NoError(t, err, path)
	return string(data)
}

func TestCreator_NotStarted(t *testing.T) {
	c := zim.NewCreator(zim.CreatorConfig{}, zimtest.Logger())

	assert.ErrorIs(t, c.AddItem(item{path: "a.html", mime: "text/html"}), zim.ErrNotStarted)
	assert.ErrorIs(t, c.AddRedirection("a", "", "b", nil), zim.ErrNotStarted)
	assert.ErrorIs(t, c.AddMetadata("Title", zim.StringProvider("x"), "text/plain"), zim.ErrNotStarted)
	assert.ErrorIs(t, c.Finish(), zim.ErrNotStarted)
}

func TestCreator_DuplicatePaths(t *testing.T) {
	c, path := newCreator(t, zim.CreatorConfig{})

	require.NoError(t, c.AddItem(item{path: "a.html", mime: "text/html", content: "first"}))
	require.NoError(t, c.AddItem(item{path: "a.html", mime: "text/html", content: "second"}), "a later item is skipped")
	require.NoError(t, c.AddRedirection("a.html", "", "b.html", nil), "a redirect on an item path is skipped")

	require.NoError(t, c.AddItem(item{path: "b.html", mime: "text/html", content: "b"}))
	require.NoError(t, c.AddRedirection("r", "", "a.html", nil))
	require.NoError(t, c.AddRedirection("r", "", "b.html", nil), "a later redirect is skipped")

	require.NoError(t, c.AddRedirection("c.html", "", "a.html", nil))
	require.NoError(t, c.AddItem(item{path: "c.html", mime: "text/html", content: "c"}), "an item replaces a redirect")
	require.NoError(t, c.Finish())

	a, err := zim.Open(path)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "first", readContent(t, a, "a.html"))

	r, err := a.EntryByPath("r")
	require.NoError(t, err)
	target, err := r.RedirectEntry()
	require.NoError(t, err)
	assert.Equal(t, "a.html", target.Path())

	c2, err := a.EntryByPath("c.html")
	require.NoError(t, err)
	assert.False(t, c2.IsRedirect())
	assert.Equal(t, "c", readContent(t, a, "c.html"))

	counter, err := a.Metadata("Counter")
	require.NoError(t, err)
	assert.Equal(t, "text/html=3", string(counter))
}

func TestCreator_LegacyPathWithoutNamespace(t *testing.T) {
	c, _ := newCreator(t, zim.CreatorConfig{LegacyNamespaces: true})
	defer c.Abort()

	assert.Error(t, c.AddItem(item{path: "index.html", mime: "text/html"}))
}

func TestCreator_Abort(t *testing.T) {
	c, path := newCreator(t, zim.CreatorConfig{ClusterSize: 16})

	for _, p := range []string{"a.html", "b.html", "c.html"} {
		require.NoError(t, c.AddItem(item{path: p, mime: "text/html", content: "some content long enough"}))
	}
	c.Abort()

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Empty(t, entries, "Abort() leaves no file behind")
	assert.ErrorIs(t, c.AddItem(item{path: "d.html", mime: "text/html"}), zim.ErrNotStarted)
}

func TestCreator_Finish(t *testing.T) {
	c, path := newCreator(t, zim.CreatorConfig{Workers: 3, ClusterSize: 64})

	items := []item{
		{path: "index.html", title: "Welcome", mime: "text/html", content: "<p>welcome</p>", hints: zim.Hints{zim.HintFrontArticle: 1}},
		{path: "style.css", mime: "text/css", content: "body{}"},
		{path: "logo.png", mime: "image/png", content: string(zimtest.PNG)},
		{path: "forced.bin", mime: "application/octet-stream", content: "bin", hints: zim.Hints{zim.HintCompress: 1}},
	}
	for _, it := range items {
		require.NoError(t, c.AddItem(it))
	}
	require.NoError(t, c.AddRedirection("start", "Start", "index.html", zim.Hints{zim.HintFrontArticle: 1}))
	require.NoError(t, c.AddRedirection("broken", "", "missing.html", nil))
	require.NoError(t, c.AddMetadata("Title", zim.StringProvider("first"), "text/plain"))
	require.NoError(t, c.AddMetadata("Title", zim.StringProvider("second"), "text/plain"))
	require.NoError(t, c.AddIllustration(zim.DefaultIllustrationSize, zimtest.PNG))
	c.SetMainPath("index.html")

	require.NoError(t, c.Finish())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.zim", entries[0].Name())

	a, err := zim.Open(path)
	require.NoError(t, err)
	defer a.Close()

	for _, it := range items {
		e, err := a.EntryByPath(it.path)
		require.NoError(t, err, it.path)
		got, err := e.Item(false)
		require.NoError(t, err, it.path)
		data, err := got.Data()
		require.NoError(t, err, it.path)
		assert.Equal(t, it.content, string(data), it.path)
		assert.Equal(t, it.mime, got.MimeType(), it.path)
	}

	_, err = a.EntryByPath("broken")
	assert.ErrorIs(t, err, zim.ErrNotFound, "dangling redirects are dropped")

	start, err := a.EntryByPath("start")
	require.NoError(t, err)
	resolved, err := start.Item(true)
	require.NoError(t, err)
	assert.Equal(t, "index.html", resolved.Path())

	title, err := a.Metadata("Title")
	require.NoError(t, err)
	assert.Equal(t, "second", string(title), "the last metadata value wins")

	illustration, err := a.IllustrationItem(zim.DefaultIllustrationSize)
	require.NoError(t, err)
	assert.Equal(t, "M/Illustration_48x48@1", illustration.Path())

	main, err := a.MainEntry()
	require.NoError(t, err)
	assert.Equal(t, "index.html", main.Path())
}

func TestCreator_MissingMainPath(t *testing.T) {
	c, path := newCreator(t, zim.CreatorConfig{})
	require.NoError(t, c.AddItem(item{path: "a.html", mime: "text/html", content: "a"}))
	c.SetMainPath("missing.html")
	require.NoError(t, c.Finish())

	a, err := zim.Open(path)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.MainEntry()
	assert.ErrorIs(t, err, zim.ErrNotFound)
}
