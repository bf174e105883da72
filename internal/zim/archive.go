package zim

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/binary"
	"io"
	"iter"
	"log/slog"
	"os"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when an entry, metadata or illustration does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIsRedirect is returned when item data is requested from a redirect without following it.
	ErrIsRedirect = errors.New("entry is a redirect")
)

// maxRedirectHops bounds redirect resolution so that loops cannot hang a reader.
const maxRedirectHops = 50

// Archive reads a ZIM file.
type Archive struct {
	file   *os.File
	size   int64
	logger *slog.Logger

	header  *Header
	mimes   []string
	dirents []*dirent // ordered by namespace and url

	clusterOffsets []uint64
	boundaries     []uint64 // sorted positions a cluster cannot extend past

	mu           sync.Mutex
	cached       *cluster
	cachedNumber uint32
}

// Open opens and indexes the ZIM file at path.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ZIM file")
	}

	a, err := newArchive(f, slog.With("archive", path))
	if err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

func newArchive(f *os.File, logger *slog.Logger) (*Archive, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	a := &Archive{file: f, size: st.Size(), logger: logger}

	if a.header, err = readHeader(io.NewSectionReader(f, 0, HeaderSize)); err != nil {
		return nil, err
	}
	if a.header.ChecksumPos > uint64(a.size) {
		return nil, errors.Errorf("invalid checksum position %d (file is %d bytes)", a.header.ChecksumPos, a.size)
	}

	if a.mimes, err = readMimeList(a.readerAt(a.header.MimeListPos)); err != nil {
		return nil, err
	}

	urlPtrs, err := a.readPointers(a.header.URLPtrPos, a.header.EntryCount)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read url pointer list")
	}

	a.dirents = make([]*dirent, len(urlPtrs))
	for i, ptr := range urlPtrs {
		d, err := readDirent(a.readerAt(ptr))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read entry %d", i)
		}
		if d.hasData() && int(d.mimeType) >= len(a.mimes) {
			return nil, errors.Errorf("entry %d has invalid mimetype index %d", i, d.mimeType)
		}
		a.dirents[i] = d
	}

	if a.clusterOffsets, err = a.readPointers(a.header.ClusterPtrPos, a.header.ClusterCount); err != nil {
		return nil, errors.Wrap(err, "failed to read cluster pointer list")
	}

	a.boundaries = append(a.boundaries, a.clusterOffsets...)
	a.boundaries = append(a.boundaries,
		a.header.MimeListPos, a.header.URLPtrPos, a.header.TitlePtrPos,
		a.header.ClusterPtrPos, a.header.ChecksumPos)
	if len(urlPtrs) > 0 {
		a.boundaries = append(a.boundaries, slices.Min(urlPtrs))
	}
	slices.Sort(a.boundaries)

	a.logger.Debug("archive is valid",
		"version", a.header.MajorVersion,
		"minor_version", a.header.MinorVersion,
		"uuid", a.UUID(),
		"entry_count", a.header.EntryCount,
		"cluster_count", a.header.ClusterCount,
		"new_namespace_scheme", a.HasNewNamespaceScheme(),
	)

	return a, nil
}

func (a *Archive) readerAt(pos uint64) *bufio.Reader {
	return bufio.NewReaderSize(io.NewSectionReader(a.file, int64(pos), a.size-int64(pos)), 512)
}

func (a *Archive) readPointers(pos uint64, count uint32) ([]uint64, error) {
	if end := pos + uint64(count)*8; end < pos || end > uint64(a.size) {
		return nil, errors.Errorf("%d pointers at %d exceed the file size (%d bytes)", count, pos, a.size)
	}
	buf := make([]byte, uint64(count)*8)
	if _, err := a.file.ReadAt(buf, int64(pos)); err != nil {
		return nil, err
	}

	ptrs := make([]uint64, count)
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint64(buf[i*8:])
		if ptrs[i] >= uint64(a.size) {
			return nil, errors.Errorf("pointer %d out of bounds: %d", i, ptrs[i])
		}
	}
	return ptrs, nil
}

// Close releases the underlying file.
func (a *Archive) Close() error {
	return a.file.Close()
}

// Header returns a copy of the archive header.
func (a *Archive) Header() Header {
	return *a.header
}

// UUID is the archive identifier.
func (a *Archive) UUID() uuid.UUID {
	return uuid.UUID(a.header.UUID)
}

// HasNewNamespaceScheme reports whether user content lives in a single
// namespace and paths carry no namespace prefix.
func (a *Archive) HasNewNamespaceScheme() bool {
	return a.header.MinorVersion >= 1
}

// EntryCount is the number of directory entries, all namespaces included.
func (a *Archive) EntryCount() int {
	return len(a.dirents)
}

// entryAt returns the entry at the given url-ordered index.
func (a *Archive) entryAt(idx uint32) (*Entry, error) {
	if int(idx) >= len(a.dirents) {
		return nil, errors.Errorf("entry index %d out of range", idx)
	}
	return &Entry{archive: a, d: a.dirents[idx]}, nil
}

// findEntry looks up an entry by namespace and url.
func (a *Archive) findEntry(ns Namespace, url string) (*Entry, error) {
	i := sort.Search(len(a.dirents), func(i int) bool {
		return compareKey(a.dirents[i].namespace, a.dirents[i].url, ns, url) >= 0
	})
	if i < len(a.dirents) && a.dirents[i].namespace == ns && a.dirents[i].url == url {
		return a.entryAt(uint32(i))
	}
	return nil, errors.Wrapf(ErrNotFound, "entry %s/%s", ns, url)
}

// EntryByPath looks up an entry by the path returned by Entry.Path.
func (a *Archive) EntryByPath(path string) (*Entry, error) {
	if a.HasNewNamespaceScheme() {
		return a.findEntry(NamespaceContent, path)
	}
	if len(path) < 2 || path[1] != '/' {
		return nil, errors.Wrapf(ErrNotFound, "entry %s", path)
	}
	return a.findEntry(Namespace(path[0]), path[2:])
}

func (a *Archive) isUserEntry(d *dirent) bool {
	if !a.HasNewNamespaceScheme() {
		return true
	}
	return d.namespace == NamespaceContent
}

// EntriesByCluster iterates the user entries in the order their data is
// stored, so that each cluster is decompressed once. Redirects come last.
// Legacy archives have every namespace iterated, new namespace scheme
// archives only the content namespace.
func (a *Archive) EntriesByCluster() iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		order := make([]uint32, 0, len(a.dirents))
		for i, d := range a.dirents {
			if a.isUserEntry(d) {
				order = append(order, uint32(i))
			}
		}
		slices.SortStableFunc(order, func(x, y uint32) int {
			dx, dy := a.dirents[x], a.dirents[y]
			if c := cmp.Compare(boolRank(!dx.hasData()), boolRank(!dy.hasData())); c != 0 {
				return c
			}
			if !dx.hasData() {
				return 0
			}
			if c := cmp.Compare(dx.cluster, dy.cluster); c != 0 {
				return c
			}
			return cmp.Compare(dx.blob, dy.blob)
		})

		for _, idx := range order {
			e, err := a.entryAt(idx)
			if !yield(e, err) {
				return
			}
		}
	}
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MetadataKeys lists the metadata keys in the archive's native (sorted) order.
func (a *Archive) MetadataKeys() []string {
	var keys []string
	for _, d := range a.dirents {
		if d.namespace == NamespaceMetadata {
			keys = append(keys, d.url)
		}
	}
	return keys
}

// Metadata returns the raw value of a metadata key.
func (a *Archive) Metadata(key string) ([]byte, error) {
	e, err := a.findEntry(NamespaceMetadata, key)
	if err != nil {
		return nil, err
	}
	item, err := e.Item(true)
	if err != nil {
		return nil, err
	}
	return item.Data()
}

// MainEntry returns the entry the archive opens on.
func (a *Archive) MainEntry() (*Entry, error) {
	if a.header.MainPage != noMainPage {
		return a.entryAt(a.header.MainPage)
	}
	if a.HasNewNamespaceScheme() {
		return a.findEntry(NamespaceWellKnown, "mainPage")
	}
	return nil, errors.Wrap(ErrNotFound, "main entry")
}

// IllustrationItem returns the illustration of the given size.
// Legacy archives fall back to their favicon for the default size.
func (a *Archive) IllustrationItem(size uint) (*Item, error) {
	e, err := a.findEntry(NamespaceMetadata, IllustrationKey(size))
	if errors.Is(err, ErrNotFound) && size == DefaultIllustrationSize {
		e, err = a.findEntry(NamespaceLayout, legacyFavicon)
	}
	if err != nil {
		return nil, errors.Wrap(err, "illustration")
	}
	return e.Item(true)
}

// cluster returns the decoded cluster n, reusing the last decoded one.
func (a *Archive) cluster(n uint32) (*cluster, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cached != nil && a.cachedNumber == n {
		return a.cached, nil
	}
	if int(n) >= len(a.clusterOffsets) {
		return nil, errors.Errorf("cluster %d out of range", n)
	}

	start := a.clusterOffsets[n]
	end := a.clusterEnd(start)
	raw := make([]byte, end-start)
	if _, err := a.file.ReadAt(raw, int64(start)); err != nil {
		return nil, errors.Wrapf(err, "failed to read cluster %d", n)
	}

	c, err := decodeCluster(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "cluster %d", n)
	}

	a.logger.Debug("read cluster",
		"cluster", n,
		"compression", c.compression,
		"blob_count", c.blobCount(),
	)

	a.cached, a.cachedNumber = c, n
	return c, nil
}

func (a *Archive) clusterEnd(start uint64) uint64 {
	i := sort.Search(len(a.boundaries), func(i int) bool { return a.boundaries[i] > start })
	if i < len(a.boundaries) {
		return a.boundaries[i]
	}
	return uint64(a.size)
}

// Entry is a directory entry of an archive.
type Entry struct {
	archive *Archive
	d       *dirent
}

// Path is the url of the entry, prefixed with its namespace ("A/index.html")
// unless it is a content entry of a new namespace scheme archive.
func (e *Entry) Path() string {
	if e.archive.HasNewNamespaceScheme() && e.d.namespace == NamespaceContent {
		return e.d.url
	}
	return string(rune(e.d.namespace)) + "/" + e.d.url
}

// Title returns the title, or the url when the entry has none.
func (e *Entry) Title() string {
	return e.d.displayTitle()
}

func (e *Entry) IsRedirect() bool {
	return e.d.isRedirect()
}

// RedirectEntry returns the entry a redirect points to (one hop).
func (e *Entry) RedirectEntry() (*Entry, error) {
	if !e.IsRedirect() {
		return nil, errors.Errorf("entry %s is not a redirect", e.Path())
	}
	return e.archive.entryAt(e.d.redirect)
}

// Item returns the data holding item of the entry.
// With follow set, redirects are resolved first.
func (e *Entry) Item(follow bool) (*Item, error) {
	cur := e
	for hops := 0; cur.IsRedirect(); hops++ {
		if !follow {
			return nil, errors.Wrap(ErrIsRedirect, e.Path())
		}
		if hops >= maxRedirectHops {
			return nil, errors.Errorf("too many redirects from %s", e.Path())
		}
		next, err := cur.RedirectEntry()
		if err != nil {
			return nil, err
		}
		cur = next
	}
	if !cur.d.hasData() {
		return nil, errors.Errorf("entry %s has no data", cur.Path())
	}
	return &Item{entry: cur}, nil
}

// Item is an entry holding data.
type Item struct {
	entry *Entry
}

func (i *Item) Path() string {
	return i.entry.Path()
}

func (i *Item) Title() string {
	return i.entry.Title()
}

func (i *Item) MimeType() string {
	return i.entry.archive.mimes[i.entry.d.mimeType]
}

func (i *Item) blob() ([]byte, error) {
	c, err := i.entry.archive.cluster(i.entry.d.cluster)
	if err != nil {
		return nil, err
	}
	b, err := c.blob(i.entry.d.blob)
	if err != nil {
		return nil, errors.Wrapf(err, "item %s", i.Path())
	}
	return b, nil
}

// Size is the size of the item data in bytes.
func (i *Item) Size() (uint64, error) {
	b, err := i.blob()
	if err != nil {
		return 0, err
	}
	return uint64(len(b)), nil
}

// Data returns a copy of the item data.
func (i *Item) Data() ([]byte, error) {
	b, err := i.blob()
	if err != nil {
		return nil, err
	}
	return bytes.Clone(b), nil
}

// Reader streams the item data without copying it.
func (i *Item) Reader() (io.Reader, error) {
	b, err := i.blob()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}

// compareKey orders entries by namespace then url (or title).
func compareKey(ns1 Namespace, s1 string, ns2 Namespace, s2 string) int {
	if c := cmp.Compare(ns1, ns2); c != 0 {
		return c
	}
	return cmp.Compare(s1, s2)
}
