package zim

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

// Decoders are safe for concurrent use with DecodeAll.
var zstdDecoder, _ = zstd.NewReader(nil)

// cluster is a decoded cluster: the blob offset table followed by the blob data.
//
// [info(u8)] then, possibly compressed:
// [offset_0 .. offset_n (u32, or u64 when extended)][blob_0 .. blob_n-1]
//
// offset_0 is the size of the offset table, so the number of
// blobs is offset_0 / offsetSize - 1. Offsets are relative to the
// start of the offset table.
type cluster struct {
	compression Compression
	offsets     []uint64
	data        []byte
}

// decodeCluster decodes raw cluster bytes as stored in the archive.
func decodeCluster(raw []byte) (*cluster, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty cluster")
	}

	info := raw[0]
	c := &cluster{compression: Compression(info & 0x0F)}
	extended := info&clusterExtended != 0

	payload := raw[1:]
	switch c.compression {
	case CompressionDefault, CompressionNone:
		c.data = payload
	case CompressionXZ:
		xr, err := xz.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, errors.Wrap(err, "failed to open xz cluster")
		}
		if c.data, err = io.ReadAll(xr); err != nil {
			return nil, errors.Wrap(err, "failed to decompress xz cluster")
		}
	case CompressionZstd:
		var err error
		if c.data, err = zstdDecoder.DecodeAll(payload, nil); err != nil {
			return nil, errors.Wrap(err, "failed to decompress zstd cluster")
		}
	default:
		return nil, errors.Errorf("unsupported cluster compression: %s", c.compression)
	}

	if err := c.readOffsets(extended); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *cluster) readOffsets(extended bool) error {
	offSize := 4
	if extended {
		offSize = 8
	}

	readOffset := func(pos int) (uint64, error) {
		if pos+offSize > len(c.data) {
			return 0, errors.Errorf("cluster offset %d out of bounds (%d bytes)", pos, len(c.data))
		}
		if extended {
			return binary.LittleEndian.Uint64(c.data[pos:]), nil
		}
		return uint64(binary.LittleEndian.Uint32(c.data[pos:])), nil
	}

	first, err := readOffset(0)
	if err != nil {
		return err
	}
	if first == 0 || first%uint64(offSize) != 0 || first > uint64(len(c.data)) {
		return errors.Errorf("invalid first cluster offset: %d", first)
	}

	count := int(first) / offSize
	c.offsets = make([]uint64, count)
	c.offsets[0] = first
	for i := 1; i < count; i++ {
		off, err := readOffset(i * offSize)
		if err != nil {
			return err
		}
		if off < c.offsets[i-1] || off > uint64(len(c.data)) {
			return errors.Errorf("invalid cluster offset %d at index %d", off, i)
		}
		c.offsets[i] = off
	}
	return nil
}

// blobCount is the number of blobs stored in the cluster.
func (c *cluster) blobCount() int {
	return len(c.offsets) - 1
}

// blob returns the blob data. The returned slice aliases the cluster.
func (c *cluster) blob(n uint32) ([]byte, error) {
	if int(n) >= c.blobCount() {
		return nil, errors.Errorf("blob %d out of range (cluster has %d)", n, c.blobCount())
	}
	return c.data[c.offsets[n]:c.offsets[n+1]], nil
}

// clusterBuilder accumulates blobs for one cluster of the archive being created.
type clusterBuilder struct {
	number      uint32 // assigned when the cluster is closed
	compression Compression
	sizes       []uint64
	data        bytes.Buffer
}

func newClusterBuilder(compression Compression) *clusterBuilder {
	return &clusterBuilder{compression: compression}
}

// add appends the content of r and returns the blob number.
func (b *clusterBuilder) add(r io.Reader) (uint32, uint64, error) {
	n, err := io.Copy(&b.data, r)
	if err != nil {
		return 0, 0, err
	}
	b.sizes = append(b.sizes, uint64(n))
	return uint32(len(b.sizes) - 1), uint64(n), nil
}

// release drops the blob data once the cluster is encoded.
func (b *clusterBuilder) release() {
	b.sizes = nil
	b.data = bytes.Buffer{}
}

func (b *clusterBuilder) empty() bool {
	return len(b.sizes) == 0
}

func (b *clusterBuilder) size() int {
	return b.data.Len()
}

// encode serializes the cluster, compressing it if needed.
func (b *clusterBuilder) encode(enc *zstd.Encoder) ([]byte, error) {
	offSize := uint64(4)
	tableSize := uint64(len(b.sizes)+1) * offSize
	extended := tableSize+uint64(b.data.Len()) > math.MaxUint32
	if extended {
		offSize = 8
		tableSize = uint64(len(b.sizes)+1) * offSize
	}

	payload := make([]byte, 0, int(tableSize)+b.data.Len())
	off := tableSize
	putOffset := func(v uint64) {
		if extended {
			payload = binary.LittleEndian.AppendUint64(payload, v)
		} else {
			payload = binary.LittleEndian.AppendUint32(payload, uint32(v))
		}
	}
	putOffset(off)
	for _, s := range b.sizes {
		off += s
		putOffset(off)
	}
	payload = append(payload, b.data.Bytes()...)

	info := byte(b.compression)
	if extended {
		info |= clusterExtended
	}

	switch b.compression {
	case CompressionNone:
		return append([]byte{info}, payload...), nil
	case CompressionZstd:
		return enc.EncodeAll(payload, []byte{info}), nil
	default:
		return nil, errors.Errorf("cannot write %s clusters", b.compression)
	}
}
