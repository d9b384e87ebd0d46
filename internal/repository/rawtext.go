package repository

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

var gzipPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
		return w
	},
}

// compressText gzips raw upload text for the raw_text_gz column.
func compressText(text string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzipPool.Get().(*gzip.Writer)
	defer gzipPool.Put(gz)
	gz.Reset(&buf)

	if _, err := io.WriteString(gz, text); err != nil {
		_ = gz.Close()
		return nil, fmt.Errorf("gzip raw text: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip raw text: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressText(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("gunzip raw text: %w", err)
	}
	defer gz.Close()
	out, err := io.ReadAll(gz)
	if err != nil {
		return "", fmt.Errorf("gunzip raw text: %w", err)
	}
	return string(out), nil
}
