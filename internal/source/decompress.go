package source

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/xi2/xz"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	xzMagic   = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
)

type codec struct {
	name   string
	suffix string
	magic  []byte
	open   func(io.Reader) (io.Reader, io.Closer, error)
}

var codecs = []codec{
	{name: "gzip", suffix: ".gz", magic: gzipMagic, open: openGzip},
	{name: "zstd", suffix: ".zst", magic: zstdMagic, open: openZstd},
	{name: "xz", suffix: ".xz", magic: xzMagic, open: openXZ},
}

var plain = codec{open: func(r io.Reader) (io.Reader, io.Closer, error) { return r, nil, nil }}

// sniff picks a codec from the leading bytes, falling back to the file
// suffix when the content does not already look like JSON.
func sniff(br *bufio.Reader, name string) codec {
	head, _ := br.Peek(len(xzMagic))
	for _, c := range codecs {
		if bytes.HasPrefix(head, c.magic) {
			return c
		}
	}
	if looksLikeJSON(head) {
		return plain
	}
	path := strings.ToLower(name)
	if u, err := url.Parse(name); err == nil && u.Path != "" {
		path = strings.ToLower(u.Path)
	}
	for _, c := range codecs {
		if strings.HasSuffix(path, c.suffix) {
			return c
		}
	}
	return plain
}

func looksLikeJSON(head []byte) bool {
	head = bytes.TrimLeft(head, " \t\r\n\xef\xbb\xbf")
	return len(head) > 0 && (head[0] == '{' || head[0] == '[')
}

// contentDecoder undoes an HTTP Content-Encoding. The transport runs with
// compression disabled so every encoding is handled here.
func contentDecoder(r io.Reader, encoding string) (io.Reader, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, nil, nil
	case "gzip", "x-gzip":
		return openGzip(r)
	case "br":
		return brotli.NewReader(r), nil, nil
	case "deflate":
		fr := flate.NewReader(r)
		return fr, fr, nil
	case "zstd":
		return openZstd(r)
	default:
		return nil, nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func openGzip(r io.Reader) (io.Reader, io.Closer, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return gz, gz, nil
}

func openZstd(r io.Reader) (io.Reader, io.Closer, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	rc := zr.IOReadCloser()
	return rc, rc, nil
}

func openXZ(r io.Reader) (io.Reader, io.Closer, error) {
	xr, err := xz.NewReader(r, 0)
	if err != nil {
		return nil, nil, err
	}
	return xr, nil, nil
}
