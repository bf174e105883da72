package zim

import "fmt"

// Magic is the magic number identifying valid ZIM files ("ZIM\x04" little endian)
const Magic uint32 = 0x044D495A

const (
	// HeaderSize is the fixed size of the file header in bytes.
	HeaderSize = 80

	// noMainPage marks a header without main page.
	noMainPage = 0xFFFFFFFF

	// DefaultClusterSize is the uncompressed size at which a cluster is closed.
	DefaultClusterSize = 2048 * 1024

	// DefaultIllustrationSize is the edge size of the default archive icon.
	DefaultIllustrationSize = 48
)

// Major/minor versions written by the creator.
// Archives with a minor version >= 1 use the new namespace scheme.
const (
	legacyMajorVersion = 5
	legacyMinorVersion = 0
	majorVersion       = 6
	minorVersion       = 1
)

// Special mimetype indexes stored in a directory entry
// in place of a real mimetype.
const (
	mimeRedirect   uint16 = 0xFFFF
	mimeLinkTarget uint16 = 0xFFFE
	mimeDeleted    uint16 = 0xFFFD
)

// Namespace is the one-character category a directory entry belongs to.
type Namespace byte

const (
	// Legacy (pre new namespace scheme) categories.
	NamespaceArticle    Namespace = 'A'
	NamespaceImage      Namespace = 'I'
	NamespaceJavascript Namespace = 'J'
	NamespaceLayout     Namespace = '-'
	NamespaceFulltext   Namespace = 'Z'

	// Shared by both schemes.
	NamespaceIndex    Namespace = 'X'
	NamespaceMetadata Namespace = 'M'

	// New namespace scheme.
	NamespaceContent   Namespace = 'C'
	NamespaceWellKnown Namespace = 'W'
)

func (n Namespace) String() string {
	return string(rune(n))
}

// Compression is the compression method of a cluster.
// It is stored in the low nibble of the cluster info byte.
type Compression byte

const (
	// CompressionDefault (0x00) is an alias of CompressionNone
	// found in very old archives.
	CompressionDefault Compression = iota
	// CompressionNone (0x01) stores blobs as is.
	CompressionNone
	// CompressionZip (0x02) was never used in published archives.
	CompressionZip
	// CompressionBzip2 (0x03) was never used in published archives.
	CompressionBzip2
	// CompressionXZ (0x04) is LZMA2 in an xz container; read only.
	CompressionXZ
	// CompressionZstd (0x05) is what the creator writes.
	CompressionZstd
)

// clusterExtended is set in the cluster info byte when
// blob offsets are stored as 64-bit integers.
const clusterExtended = 0x10

func (c Compression) String() string {
	switch c {
	case CompressionDefault, CompressionNone:
		return "none"
	case CompressionZip:
		return "zip"
	case CompressionBzip2:
		return "bzip2"
	case CompressionXZ:
		return "xz"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", byte(c))
	}
}

// Well known entry paths.
const (
	counterKey          = "Counter"
	frontArticleListing = "listing/titleOrdered/v1"
	legacyFavicon       = "favicon"
)

// IllustrationKey returns the metadata key holding the illustration of the given size.
func IllustrationKey(size uint) string {
	return fmt.Sprintf("Illustration_%dx%d@1", size, size)
}
