package zim

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Header is the header of a ZIM file.
type Header struct {
	Magic         uint32 // Magic for valid ZIM files
	MajorVersion  uint16
	MinorVersion  uint16
	UUID          [16]byte
	EntryCount    uint32
	ClusterCount  uint32
	URLPtrPos     uint64 // position of the directory pointer list ordered by namespace and path
	TitlePtrPos   uint64 // position of the entry index list ordered by namespace and title
	ClusterPtrPos uint64
	MimeListPos   uint64
	MainPage      uint32 // entry index of the main page, noMainPage if unset
	LayoutPage    uint32 // unused since a long time, always noMainPage
	ChecksumPos   uint64 // position of the MD5 checksum, which is also the end of the archive data
}

// readHeader reads and validates the header at the start of r.
func readHeader(r io.Reader) (*Header, error) {
	h := &Header{}

	if err := binary.Read(r, binary.LittleEndian, h); err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}
	if h.Magic != Magic {
		return nil, errors.Errorf("invalid ZIM magic: expected %#08x, got %#08x", Magic, h.Magic)
	}
	if h.MajorVersion != legacyMajorVersion && h.MajorVersion != majorVersion {
		return nil, errors.Errorf("unsupported ZIM major version: %d", h.MajorVersion)
	}
	if h.MimeListPos < HeaderSize {
		return nil, errors.Errorf("invalid mime list position: %d", h.MimeListPos)
	}

	return h, nil
}

func writeHeader(w io.Writer, h *Header) error {
	return errors.Wrap(binary.Write(w, binary.LittleEndian, h), "failed to write header")
}

// readMimeList reads the zero terminated mimetype strings.
// The list ends with an empty string.
func readMimeList(r *bufio.Reader) ([]string, error) {
	var mimes []string
	for {
		s, err := readCString(r)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read mime list")
		}
		if s == "" {
			return mimes, nil
		}
		mimes = append(mimes, s)
	}
}

func encodeMimeList(mimes []string) []byte {
	var buf bytes.Buffer
	for _, m := range mimes {
		buf.WriteString(m)
		buf.WriteByte(0)
	}
	buf.WriteByte(0)
	return buf.Bytes()
}

// dirent is a directory entry.
//
// Content entry:
//
//	[mimetype(u16)][parameterLen(u8)][namespace(u8)][revision(u32)][cluster(u32)][blob(u32)][url\0][title\0][parameter]
//
// Redirect entry (mimetype 0xFFFF):
//
//	[mimetype(u16)][parameterLen(u8)][namespace(u8)][revision(u32)][redirectIndex(u32)][url\0][title\0][parameter]
type dirent struct {
	mimeType  uint16
	namespace Namespace
	revision  uint32
	cluster   uint32
	blob      uint32
	redirect  uint32
	url       string
	title     string
	parameter []byte
}

func (d *dirent) isRedirect() bool {
	return d.mimeType == mimeRedirect
}

func (d *dirent) hasData() bool {
	return d.mimeType != mimeRedirect && d.mimeType != mimeLinkTarget && d.mimeType != mimeDeleted
}

// displayTitle is the title, or the url when the entry has none.
func (d *dirent) displayTitle() string {
	if d.title == "" {
		return d.url
	}
	return d.title
}

func readDirent(r *bufio.Reader) (*dirent, error) {
	d := &dirent{}

	var fixed struct {
		MimeType     uint16
		ParameterLen uint8
		Namespace    uint8
		Revision     uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return nil, errors.Wrap(err, "failed to read dirent")
	}
	d.mimeType = fixed.MimeType
	d.namespace = Namespace(fixed.Namespace)
	d.revision = fixed.Revision

	switch {
	case d.isRedirect():
		if err := binary.Read(r, binary.LittleEndian, &d.redirect); err != nil {
			return nil, errors.Wrap(err, "failed to read redirect index")
		}
	case d.hasData():
		if err := binary.Read(r, binary.LittleEndian, &d.cluster); err != nil {
			return nil, errors.Wrap(err, "failed to read cluster number")
		}
		if err := binary.Read(r, binary.LittleEndian, &d.blob); err != nil {
			return nil, errors.Wrap(err, "failed to read blob number")
		}
	}

	var err error
	if d.url, err = readCString(r); err != nil {
		return nil, errors.Wrap(err, "failed to read url")
	}
	if d.title, err = readCString(r); err != nil {
		return nil, errors.Wrapf(err, "failed to read title of %s", d.url)
	}

	if fixed.ParameterLen > 0 {
		d.parameter = make([]byte, fixed.ParameterLen)
		if _, err := io.ReadFull(r, d.parameter); err != nil {
			return nil, errors.Wrapf(err, "failed to read parameter of %s", d.url)
		}
	}

	return d, nil
}

// encode serializes the dirent. The title is only stored
// when it differs from the url.
func (d *dirent) encode() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, d.mimeType)
	buf.WriteByte(byte(len(d.parameter)))
	buf.WriteByte(byte(d.namespace))
	binary.Write(&buf, binary.LittleEndian, d.revision)
	if d.isRedirect() {
		binary.Write(&buf, binary.LittleEndian, d.redirect)
	} else {
		binary.Write(&buf, binary.LittleEndian, d.cluster)
		binary.Write(&buf, binary.LittleEndian, d.blob)
	}
	buf.WriteString(d.url)
	buf.WriteByte(0)
	if d.title != d.url {
		buf.WriteString(d.title)
	}
	buf.WriteByte(0)
	buf.Write(d.parameter)
	return buf.Bytes()
}

func readCString(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(s, "\x00"), nil
}
