package eventstore

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// gzipCompress and gzipDecompress back the optional payload compression
// feature. This is a deliberate stdlib choice (see DESIGN.md).
func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("eventstore: open gzip reader: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}
