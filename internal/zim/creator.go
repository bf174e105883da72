package zim

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/stream"
)

// ErrNotStarted is returned when entries are added outside of Start/Finish.
var ErrNotStarted = errors.New("creator is not started")

// progressEvery is the number of added entries between two progress logs.
const progressEvery = 1000

// CreatorConfig configures a Creator.
type CreatorConfig struct {
	// Verbose logs progress at info level instead of debug.
	Verbose bool

	// Indexing requests a full-text index in Language.
	Indexing bool
	Language string

	// ClusterSize is the uncompressed size at which a cluster is closed.
	ClusterSize int

	// Workers is the number of clusters compressed in parallel.
	Workers int

	// LegacyNamespaces writes an archive with the old namespace scheme:
	// item and redirect paths must then carry their namespace ("A/index.html").
	LegacyNamespaces bool
}

type entryKey struct {
	ns  Namespace
	url string
}

type pendingEntry struct {
	d       dirent
	cluster *clusterBuilder
	target  entryKey // redirect target
	front   bool
}

// Creator writes a new ZIM file. Entries are added between Start and
// Finish, one at a time; content is packed into clusters as it arrives
// and clusters are compressed in the background by Workers goroutines.
type Creator struct {
	cfg    CreatorConfig
	logger *slog.Logger
	level  slog.Level

	path    string
	spool   *os.File
	started bool

	enc    *zstd.Encoder
	stream *stream.Stream

	// written by stream callbacks, which run sequentially
	errMu          sync.Mutex
	err            error
	clusterOffsets []uint64
	spoolSize      uint64
	drained        bool

	clusterCount uint32
	compressed   *clusterBuilder
	plain        *clusterBuilder

	entries   map[entryKey]*pendingEntry
	order     []*pendingEntry
	mimes     []string
	mimeIndex map[string]uint16
	counter   map[string]int
	mainPath  string

	itemCount     int
	redirectCount int
}

// NewCreator returns a creator with cfg, filling defaults for unset values.
func NewCreator(cfg CreatorConfig, logger *slog.Logger) *Creator {
	if cfg.ClusterSize <= 0 {
		cfg.ClusterSize = DefaultClusterSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	level := slog.LevelDebug
	if cfg.Verbose {
		level = slog.LevelInfo
	}

	return &Creator{
		cfg:    cfg,
		logger: logger,
		level:  level,
	}
}

func (c *Creator) progress(msg string, args ...any) {
	c.logger.Log(context.Background(), c.level, msg, args...)
}

// Start begins the creation of the archive at path.
// Nothing is written at path until Finish succeeds.
func (c *Creator) Start(path string) error {
	if c.started {
		return errors.New("creator already started")
	}

	spool, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".clusters-*")
	if err != nil {
		return errors.Wrap(err, "failed to create cluster spool file")
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
		zstd.WithEncoderConcurrency(c.cfg.Workers),
	)
	if err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return errors.Wrap(err, "failed to create zstd encoder")
	}

	c.path = path
	c.spool = spool
	c.enc = enc
	c.stream = stream.New().WithMaxGoroutines(c.cfg.Workers)
	c.compressed = newClusterBuilder(CompressionZstd)
	c.plain = newClusterBuilder(CompressionNone)
	c.entries = make(map[entryKey]*pendingEntry)
	c.mimeIndex = make(map[string]uint16)
	c.counter = make(map[string]int)
	c.started = true

	c.progress("starting archive creation",
		"output", path,
		"workers", c.cfg.Workers,
		"cluster_size", humanize.IBytes(uint64(c.cfg.ClusterSize)),
		"legacy_namespaces", c.cfg.LegacyNamespaces,
	)
	if c.cfg.Indexing {
		c.logger.Warn("full-text indexing is not available, archive is written without full-text index",
			"language", c.cfg.Language)
	}

	return nil
}

// SetMainPath sets the path of the entry the archive opens on.
func (c *Creator) SetMainPath(path string) {
	c.mainPath = path
}

// AddItem adds an item, reading its whole content. An item whose path is
// taken by another item is skipped with a warning; one whose path is taken
// by a redirect replaces it.
func (c *Creator) AddItem(item WriterItem) error {
	if !c.started {
		return ErrNotStarted
	}

	key, err := c.entryKey(item.Path())
	if err != nil {
		return err
	}
	existing, ok := c.entries[key]
	if ok && !existing.d.isRedirect() {
		c.logger.Warn("impossible to add item, path already exists", "path", item.Path())
		return nil
	}

	provider, err := item.ContentProvider()
	if err != nil {
		return errors.Wrapf(err, "failed to get content of %s", item.Path())
	}

	hints := item.Hints()
	compress := compressible(item.MimeType())
	if v, ok := hints[HintCompress]; ok {
		compress = v != 0
	}

	cb, blob, err := c.addBlob(compress, provider)
	if err != nil {
		return errors.Wrapf(err, "failed to add content of %s", item.Path())
	}

	p := &pendingEntry{
		d: dirent{
			mimeType:  c.mimeTypeIndex(item.MimeType()),
			namespace: key.ns,
			url:       key.url,
			title:     item.Title(),
			blob:      blob,
		},
		cluster: cb,
		front:   hints.Has(HintFrontArticle),
	}
	if existing != nil {
		c.logger.Warn("item replaces redirect", "path", item.Path())
		*existing = *p
		c.redirectCount--
	} else {
		c.add(p)
	}
	c.counter[item.MimeType()]++
	c.itemCount++
	if c.itemCount%progressEvery == 0 {
		c.progress("added items", "count", c.itemCount)
	}
	return nil
}

// AddRedirection adds a redirect from path to target. A redirect whose path
// is already taken is skipped with a warning.
// Redirects whose target never gets added are dropped by Finish.
func (c *Creator) AddRedirection(path, title, target string, hints Hints) error {
	if !c.started {
		return ErrNotStarted
	}

	key, err := c.entryKey(path)
	if err != nil {
		return err
	}
	if _, ok := c.entries[key]; ok {
		c.logger.Warn("impossible to add redirect, path already exists", "path", path, "target", target)
		return nil
	}
	targetKey, err := c.entryKey(target)
	if err != nil {
		return errors.Wrapf(err, "redirect %s", path)
	}

	c.add(&pendingEntry{
		d: dirent{
			mimeType:  mimeRedirect,
			namespace: key.ns,
			url:       key.url,
			title:     title,
		},
		target: targetKey,
		front:  hints.Has(HintFrontArticle),
	})
	c.redirectCount++
	return nil
}

// AddMetadata adds a metadata entry. Adding a key twice replaces the first value.
func (c *Creator) AddMetadata(key string, content ContentProvider, mimeType string) error {
	if !c.started {
		return ErrNotStarted
	}

	cb, blob, err := c.addBlob(compressible(mimeType), content)
	if err != nil {
		return errors.Wrapf(err, "failed to add metadata %s", key)
	}

	d := dirent{
		mimeType:  c.mimeTypeIndex(mimeType),
		namespace: NamespaceMetadata,
		url:       key,
		title:     key,
		blob:      blob,
	}

	if existing, ok := c.entries[entryKey{NamespaceMetadata, key}]; ok {
		c.logger.Warn("metadata added twice, keeping the last value", "key", key)
		existing.d = d
		existing.cluster = cb
		return nil
	}

	c.add(&pendingEntry{d: d, cluster: cb})
	return nil
}

// AddIllustration adds the archive illustration of the given edge size.
// Illustrations are expected to be PNG images.
func (c *Creator) AddIllustration(size uint, data []byte) error {
	if mt := mimetype.Detect(data); !mt.Is("image/png") {
		c.logger.Warn("illustration is not a PNG image", "size", size, "detected", mt.String())
	}
	return c.AddMetadata(IllustrationKey(size), BytesProvider(data), "image/png")
}

func (c *Creator) add(p *pendingEntry) {
	c.entries[entryKey{p.d.namespace, p.d.url}] = p
	c.order = append(c.order, p)
}

// entryKey maps a user path to the namespace and url it is stored under.
func (c *Creator) entryKey(path string) (entryKey, error) {
	if !c.cfg.LegacyNamespaces {
		return entryKey{NamespaceContent, path}, nil
	}
	if len(path) < 3 || path[1] != '/' {
		return entryKey{}, errors.Errorf("path %q has no namespace", path)
	}
	return entryKey{Namespace(path[0]), path[2:]}, nil
}

func (c *Creator) mimeTypeIndex(mimeType string) uint16 {
	if idx, ok := c.mimeIndex[mimeType]; ok {
		return idx
	}
	idx := uint16(len(c.mimes))
	c.mimes = append(c.mimes, mimeType)
	c.mimeIndex[mimeType] = idx
	return idx
}

func (c *Creator) addBlob(compress bool, p ContentProvider) (*clusterBuilder, uint32, error) {
	if err := c.failed(); err != nil {
		return nil, 0, err
	}

	cb := c.plain
	if compress {
		cb = c.compressed
	}

	r, err := p.Reader()
	if err != nil {
		return nil, 0, err
	}
	blob, n, err := cb.add(r)
	if err != nil {
		return nil, 0, err
	}
	if n != p.Size() {
		return nil, 0, errors.Errorf("content size mismatch: announced %d, got %d", p.Size(), n)
	}

	if cb.size() >= c.cfg.ClusterSize {
		c.closeCluster(cb)
		if compress {
			c.compressed = newClusterBuilder(CompressionZstd)
		} else {
			c.plain = newClusterBuilder(CompressionNone)
		}
	}
	return cb, blob, nil
}

// closeCluster numbers the cluster and hands it to the compression stream.
// Stream callbacks run in submission order, so clusters are spooled in
// number order.
func (c *Creator) closeCluster(cb *clusterBuilder) {
	cb.number = c.clusterCount
	c.clusterCount++

	c.stream.Go(func() stream.Callback {
		raw, err := cb.encode(c.enc)
		cb.release()
		return func() {
			c.errMu.Lock()
			defer c.errMu.Unlock()
			if c.err != nil {
				return
			}
			if err != nil {
				c.err = errors.Wrapf(err, "failed to encode cluster %d", cb.number)
				return
			}
			if _, err := c.spool.Write(raw); err != nil {
				c.err = errors.Wrap(err, "failed to spool cluster")
				return
			}
			c.clusterOffsets = append(c.clusterOffsets, c.spoolSize)
			c.spoolSize += uint64(len(raw))
		}
	})
}

// Finish completes the archive and moves it into place.
// The creator cannot be reused afterwards.
func (c *Creator) Finish() error {
	if !c.started {
		return ErrNotStarted
	}
	if err := c.finish(); err != nil {
		c.Abort()
		return err
	}
	return nil
}

func (c *Creator) finish() error {
	if err := c.AddMetadata(counterKey, StringProvider(c.counterValue()), "text/plain"); err != nil {
		return err
	}

	var listing *pendingEntry
	if !c.cfg.LegacyNamespaces {
		if c.mainPath != "" {
			if err := c.addMainPageRedirect(); err != nil {
				return err
			}
		}
		listing = &pendingEntry{d: dirent{
			mimeType:  c.mimeTypeIndex("application/octet-stream+zimlisting"),
			namespace: NamespaceIndex,
			url:       frontArticleListing,
		}}
		c.add(listing)
	}

	c.dropDanglingRedirects()

	entries := slices.Clone(c.order)
	slices.SortFunc(entries, func(x, y *pendingEntry) int {
		return compareKey(x.d.namespace, x.d.url, y.d.namespace, y.d.url)
	})
	index := make(map[entryKey]uint32, len(entries))
	for i, p := range entries {
		index[entryKey{p.d.namespace, p.d.url}] = uint32(i)
	}
	for _, p := range entries {
		if p.d.isRedirect() {
			p.d.redirect = index[p.target]
		}
	}

	titleOrder := make([]uint32, len(entries))
	for i := range titleOrder {
		titleOrder[i] = uint32(i)
	}
	slices.SortStableFunc(titleOrder, func(x, y uint32) int {
		dx, dy := &entries[x].d, &entries[y].d
		return compareKey(dx.namespace, dx.displayTitle(), dy.namespace, dy.displayTitle())
	})

	if listing != nil {
		var buf []byte
		for _, idx := range titleOrder {
			p := entries[idx]
			if p.front && p.d.namespace == NamespaceContent {
				buf = binary.LittleEndian.AppendUint32(buf, idx)
			}
		}
		cb, blob, err := c.addBlob(false, BytesProvider(buf))
		if err != nil {
			return err
		}
		listing.cluster, listing.d.blob = cb, blob
	}

	mainPage := uint32(noMainPage)
	if c.mainPath != "" {
		key, err := c.entryKey(c.mainPath)
		if err != nil {
			return errors.Wrap(err, "main path")
		}
		if idx, ok := index[key]; ok {
			mainPage = idx
		} else {
			c.logger.Warn("main path does not exist, archive has no main page", "path", c.mainPath)
		}
	}

	for _, cb := range []*clusterBuilder{c.compressed, c.plain} {
		if !cb.empty() {
			c.closeCluster(cb)
		}
	}
	c.drain()
	if c.err != nil {
		return c.err
	}

	for _, p := range entries {
		if p.cluster != nil {
			p.d.cluster = p.cluster.number
		}
	}

	return c.writeArchive(entries, titleOrder, mainPage)
}

// addMainPageRedirect adds the well known W/mainPage redirect.
func (c *Creator) addMainPageRedirect() error {
	target, err := c.entryKey(c.mainPath)
	if err != nil {
		return errors.Wrap(err, "main path")
	}
	c.add(&pendingEntry{
		d: dirent{
			mimeType:  mimeRedirect,
			namespace: NamespaceWellKnown,
			url:       "mainPage",
		},
		target: target,
	})
	return nil
}

// dropDanglingRedirects removes redirects whose target was never added.
func (c *Creator) dropDanglingRedirects() {
	c.order = slices.DeleteFunc(c.order, func(p *pendingEntry) bool {
		if !p.d.isRedirect() {
			return false
		}
		if _, ok := c.entries[p.target]; ok {
			return false
		}
		c.logger.Warn("dropping redirect to missing entry",
			"path", fmt.Sprintf("%s/%s", p.d.namespace, p.d.url),
			"target", fmt.Sprintf("%s/%s", p.target.ns, p.target.url),
		)
		delete(c.entries, entryKey{p.d.namespace, p.d.url})
		c.redirectCount--
		return true
	})
}

// counterValue lists the number of items per mimetype: "text/html=3;image/png=1".
func (c *Creator) counterValue() string {
	mimes := make([]string, 0, len(c.counter))
	for m := range c.counter {
		mimes = append(mimes, m)
	}
	slices.Sort(mimes)

	parts := make([]string, len(mimes))
	for i, m := range mimes {
		parts[i] = fmt.Sprintf("%s=%d", m, c.counter[m])
	}
	return strings.Join(parts, ";")
}

// writeArchive lays out the archive:
//
//	[header][mime list][url pointers][title pointers][dirents][cluster pointers][clusters][md5]
func (c *Creator) writeArchive(entries []*pendingEntry, titleOrder []uint32, mainPage uint32) error {
	encoded := make([][]byte, len(entries))
	direntSize := uint64(0)
	for i, p := range entries {
		encoded[i] = p.d.encode()
		direntSize += uint64(len(encoded[i]))
	}
	mimeList := encodeMimeList(c.mimes)

	h := &Header{
		Magic:        Magic,
		MajorVersion: majorVersion,
		MinorVersion: minorVersion,
		UUID:         uuid.New(),
		EntryCount:   uint32(len(entries)),
		ClusterCount: c.clusterCount,
		MainPage:     mainPage,
		LayoutPage:   noMainPage,
	}
	if c.cfg.LegacyNamespaces {
		h.MajorVersion, h.MinorVersion = legacyMajorVersion, legacyMinorVersion
	}
	h.MimeListPos = HeaderSize
	h.URLPtrPos = h.MimeListPos + uint64(len(mimeList))
	h.TitlePtrPos = h.URLPtrPos + 8*uint64(len(entries))
	direntPos := h.TitlePtrPos + 4*uint64(len(entries))
	h.ClusterPtrPos = direntPos + direntSize
	clusterPos := h.ClusterPtrPos + 8*uint64(c.clusterCount)
	h.ChecksumPos = clusterPos + c.spoolSize

	out, err := os.CreateTemp(filepath.Dir(c.path), "."+filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create output file")
	}
	tmpName := out.Name()
	defer func() {
		out.Close()
		os.Remove(tmpName)
	}()

	sum := md5.New()
	w := bufio.NewWriterSize(io.MultiWriter(out, sum), 1<<20)

	if err := writeHeader(w, h); err != nil {
		return err
	}
	w.Write(mimeList)
	pos := direntPos
	for _, e := range encoded {
		binary.Write(w, binary.LittleEndian, pos)
		pos += uint64(len(e))
	}
	for _, idx := range titleOrder {
		binary.Write(w, binary.LittleEndian, idx)
	}
	for _, e := range encoded {
		w.Write(e)
	}
	for _, off := range c.clusterOffsets {
		binary.Write(w, binary.LittleEndian, clusterPos+off)
	}

	if _, err := c.spool.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "failed to rewind cluster spool")
	}
	if _, err := io.Copy(w, c.spool); err != nil {
		return errors.Wrap(err, "failed to copy clusters")
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "failed to write archive")
	}
	if _, err := out.Write(sum.Sum(nil)); err != nil {
		return errors.Wrap(err, "failed to write checksum")
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "failed to close archive")
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return errors.Wrap(err, "failed to move archive into place")
	}

	c.closeSpool()
	c.started = false

	c.progress("archive created",
		"output", c.path,
		"size", humanize.IBytes(h.ChecksumPos+md5.Size),
		"items", c.itemCount,
		"redirects", c.redirectCount,
		"clusters", c.clusterCount,
	)
	return nil
}

// Abort stops the creation and removes temporary files.
// No file is left at the output path.
func (c *Creator) Abort() {
	if !c.started {
		return
	}
	c.drain()
	c.closeSpool()
	c.started = false
}

// drain waits for the clusters being compressed.
func (c *Creator) drain() {
	if c.drained {
		return
	}
	c.drained = true
	c.stream.Wait()
	c.enc.Close()
}

func (c *Creator) failed() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Creator) closeSpool() {
	if c.spool == nil {
		return
	}
	c.spool.Close()
	os.Remove(c.spool.Name())
	c.spool = nil
}
