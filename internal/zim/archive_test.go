package zim_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossyrian/zimrecreate/internal/zim"
	"github.com/ossyrian/zimrecreate/internal/zim/zimtest"
)

func TestArchive_NewNamespaceScheme(t *testing.T) {
	path := zimtest.Write(t, t.TempDir(), "new.zim", zimtest.Archive{
		MainPath: "index.html",
		Metadata: map[string]string{"Title": "Test", "Language": "eng"},
		Items: []zimtest.Item{
			{Path: "index.html", Title: "Home", MimeType: "text/html", Content: "<h1>home</h1>"},
			{Path: "other.html", Title: "Other", MimeType: "text/html", Content: "<h1>other</h1>"},
			{Path: "pic.png", MimeType: "image/png", Content: string(zimtest.PNG)},
		},
		Redirects: []zimtest.Redirect{
			{Path: "home", Title: "Home redirect", Target: "index.html"},
		},
	})

	a, err := zim.Open(path)
	require.NoError(t, err)
	defer a.Close()

	assert.True(t, a.HasNewNamespaceScheme())
	// 4 content entries, 3 metadata (Counter included), W/mainPage and the X listing
	assert.Equal(t, 9, a.EntryCount())

	e, err := a.EntryByPath("index.html")
	require.NoError(t, err)
	assert.Equal(t, "index.html", e.Path())
	assert.Equal(t, "Home", e.Title())

	item, err := e.Item(false)
	require.NoError(t, err)
	data, err := item.Data()
	require.NoError(t, err)
	assert.Equal(t, "<h1>home</h1>", string(data))
	assert.Equal(t, "text/html", item.MimeType())

	redirect, err := a.EntryByPath("home")
	require.NoError(t, err)
	require.True(t, redirect.IsRedirect())
	target, err := redirect.RedirectEntry()
	require.NoError(t, err)
	assert.Equal(t, "index.html", target.Path())
	_, err = redirect.Item(false)
	assert.ErrorIs(t, err, zim.ErrIsRedirect)

	main, err := a.MainEntry()
	require.NoError(t, err)
	assert.Equal(t, "index.html", main.Path())

	assert.Equal(t, []string{"Counter", "Language", "Title"}, a.MetadataKeys())
	counter, err := a.Metadata("Counter")
	require.NoError(t, err)
	assert.Equal(t, "image/png=1;text/html=2", string(counter))

	_, err = a.IllustrationItem(zim.DefaultIllustrationSize)
	assert.ErrorIs(t, err, zim.ErrNotFound)
}

func TestArchive_LegacyNamespaceScheme(t *testing.T) {
	path := zimtest.Write(t, t.TempDir(), "legacy.zim", zimtest.Archive{
		Legacy:   true,
		MainPath: "A/index.html",
		Metadata: map[string]string{"Title": "Legacy"},
		Items: []zimtest.Item{
			{Path: "A/index.html", Title: "Home", MimeType: "text/html", Content: "home"},
			{Path: "I/pic.png", MimeType: "image/png", Content: string(zimtest.PNG)},
			{Path: "-/favicon", MimeType: "image/png", Content: string(zimtest.PNG)},
		},
		Redirects: []zimtest.Redirect{
			{Path: "A/Home", Title: "Home", Target: "A/index.html"},
		},
	})

	a, err := zim.Open(path)
	require.NoError(t, err)
	defer a.Close()

	assert.False(t, a.HasNewNamespaceScheme())
	h := a.Header()
	assert.Equal(t, uint16(5), h.MajorVersion)
	assert.Equal(t, uint16(0), h.MinorVersion)

	var paths []string
	for e, err := range a.EntriesByCluster() {
		require.NoError(t, err)
		paths = append(paths, e.Path())
	}
	assert.Len(t, paths, a.EntryCount(), "legacy archives iterate every namespace")
	assert.Subset(t, paths, []string{"A/index.html", "I/pic.png", "-/favicon", "A/Home", "M/Title", "M/Counter"})
	assert.Equal(t, "A/Home", paths[len(paths)-1], "redirects come last")

	main, err := a.MainEntry()
	require.NoError(t, err)
	assert.Equal(t, "A/index.html", main.Path())

	illustration, err := a.IllustrationItem(zim.DefaultIllustrationSize)
	require.NoError(t, err)
	assert.Equal(t, "-/favicon", illustration.Path())
}

func TestArchive_ManyClusters(t *testing.T) {
	var items []zimtest.Item
	for i := 0; i < 200; i++ {
		p := pagePath(i)
		items = append(items, zimtest.Item{Path: p, MimeType: "text/html", Content: strings.Repeat(p, 50)})
	}

	path := zimtest.Write(t, t.TempDir(), "many.zim", zimtest.Archive{
		Items:       items,
		ClusterSize: 4096,
	})

	a, err := zim.Open(path)
	require.NoError(t, err)
	defer a.Close()

	assert.GreaterOrEqual(t, a.Header().ClusterCount, uint32(10))

	seen := 0
	for e, err := range a.EntriesByCluster() {
		require.NoError(t, err)
		item, err := e.Item(false)
		require.NoError(t, err, e.Path())
		data, err := item.Data()
		require.NoError(t, err, e.Path())
		assert.Equal(t, strings.Repeat(e.Path(), 50), string(data), e.Path())
		seen++
	}
	assert.Equal(t, len(items), seen)
}

func pagePath(i int) string {
	return filepath.Join("page", strings.Repeat("x", i%7), string(rune('a'+i%26))) + "-" + string(rune('0'+i/26)) + ".html"
}

func header(mutate func(h *zim.Header)) []byte {
	h := zim.Header{
		Magic:        zim.Magic,
		MajorVersion: 6,
		MinorVersion: 1,
		MimeListPos:  zim.HeaderSize,
		MainPage:     0xFFFFFFFF,
		LayoutPage:   0xFFFFFFFF,
	}
	mutate(&h)
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

func TestOpen_InvalidFiles(t *testing.T) {
	tests := []struct {
		name   string
		input  []byte
		errMsg string
	}{
		{
			name:   "empty file",
			input:  []byte{},
			errMsg: "failed to read header",
		},
		{
			name:   "truncated header",
			input:  []byte{'Z', 'I', 'M', 0x04, 0x05},
			errMsg: "failed to read header",
		},
		{
			name:   "invalid magic number",
			input:  header(func(h *zim.Header) { h.Magic = 0x12345678 }),
			errMsg: "invalid ZIM magic",
		},
		{
			name:   "unsupported version",
			input:  header(func(h *zim.Header) { h.MajorVersion = 4 }),
			errMsg: "unsupported ZIM major version",
		},
		{
			name:   "mime list inside header",
			input:  header(func(h *zim.Header) { h.MimeListPos = 10 }),
			errMsg: "invalid mime list position",
		},
		{
			name:   "checksum past end of file",
			input:  header(func(h *zim.Header) { h.ChecksumPos = 1 << 20 }),
			errMsg: "invalid checksum position",
		},
		{
			name: "entry count larger than the file",
			input: append(header(func(h *zim.Header) {
				h.EntryCount = 0xFFFFFFFF
				h.URLPtrPos = zim.HeaderSize + 1
			}), 0),
			errMsg: "exceed the file size",
		},
		{
			name: "cluster count larger than the file",
			input: append(header(func(h *zim.Header) {
				h.ClusterCount = 0xFFFFFFFF
				h.ClusterPtrPos = zim.HeaderSize + 1
			}), 0),
			errMsg: "failed to read cluster pointer list",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.zim")
			require.NoError(t, os.WriteFile(path, tt.input, 0o644))

			a, err := zim.Open(path)
			if err == nil {
				a.Close()
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := zim.Open(filepath.Join(t.TempDir(), "missing.zim"))
	assert.Error(t, err)
}
