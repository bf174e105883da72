package recreate

import (
	"fmt"
	"io"
	"strings"

	"github.com/ossyrian/zimrecreate/internal/zim"
)

// ItemKind selects how an item's content reaches the builder.
type ItemKind int

const (
	// PassThroughItem forwards the source content untouched.
	PassThroughItem ItemKind = iota
	// PatchedItem has its html and css links patched.
	PatchedItem
)

func (k ItemKind) String() string {
	switch k {
	case PassThroughItem:
		return "pass-through"
	case PatchedItem:
		return "patched"
	default:
		return fmt.Sprintf("ItemKind(%d)", int(k))
	}
}

// Item is a source item as handed to the builder, under its new path.
type Item struct {
	Kind ItemKind
	path string
	src  SourceItem
}

var _ zim.WriterItem = (*Item)(nil)

func (i *Item) Path() string {
	return i.path
}

func (i *Item) Title() string {
	return i.src.Title()
}

func (i *Item) MimeType() string {
	return i.src.MimeType()
}

func (i *Item) Hints() zim.Hints {
	var front uint64
	if IsFrontArticle(i.MimeType()) {
		front = 1
	}
	return zim.Hints{zim.HintFrontArticle: front}
}

// ContentProvider returns the patched content for patched html and css
// items. Everything else is streamed from the source item.
func (i *Item) ContentProvider() (zim.ContentProvider, error) {
	if i.Kind == PatchedItem && IsPatchable(i.MimeType()) {
		data, err := i.src.Data()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", i.src.Path(), err)
		}
		return zim.StringProvider(PatchLinks(string(data), i.MimeType())), nil
	}
	return newItemProvider(i.src)
}

// IsFrontArticle guesses from the mimetype whether an item is a browsable page.
func IsFrontArticle(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/html") && !strings.Contains(mimeType, "raw=true")
}

// itemProvider streams a source item's content by reference.
type itemProvider struct {
	item SourceItem
	size uint64
}

func newItemProvider(item SourceItem) (*itemProvider, error) {
	size, err := item.Size()
	if err != nil {
		return nil, fmt.Errorf("failed to get size of %s: %w", item.Path(), err)
	}
	return &itemProvider{item: item, size: size}, nil
}

func (p *itemProvider) Size() uint64 {
	return p.size
}

func (p *itemProvider) Reader() (io.Reader, error) {
	return p.item.Reader()
}
