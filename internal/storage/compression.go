package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// CompressionOptions configures how the vfs backend compresses file bodies
type CompressionOptions struct {
	// Minimum size in bytes before compressing
	MinSize int
	// Compression level (1=fastest, 4=best)
	Level int
	// File extensions that are already compressed
	SkipExtensions []string
}

// DefaultCompressionOptions provides sensible defaults
func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 1024, // 1KB
		Level:   2,    // Balanced speed/compression
		SkipExtensions: []string{
			".zip", ".gz", ".zst", ".xz", ".bz2", ".tgz",
			".png", ".jpg", ".jpeg", ".gif", ".webp", ".woff", ".woff2",
		},
	}
}

// codec compresses and decompresses stored bodies. The zstd encoder and
// decoder are safe for concurrent EncodeAll/DecodeAll calls.
type codec struct {
	opts CompressionOptions
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

func newCodec(opts CompressionOptions) (*codec, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	return &codec{opts: opts, enc: enc, dec: dec}, nil
}

// shouldCompress determines if content should be compressed
func (c *codec) shouldCompress(p string, size int) bool {
	if size < c.opts.MinSize {
		return false
	}

	ext := strings.ToLower(filepath.Ext(p))
	for _, skip := range c.opts.SkipExtensions {
		if ext == skip {
			return false
		}
	}
	return true
}

func (c *codec) compress(data []byte) []byte {
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func (c *codec) decompress(data []byte, size int) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("decompressing content: %w", err)
	}
	return out, nil
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}
