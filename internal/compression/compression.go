package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
)

// 二进制帧首字节标识压缩方式
const (
	SchemeNone   byte = 0
	SchemeGzip   byte = 1
	SchemeSnappy byte = 2
)

// Compressor 压缩器接口
type Compressor interface {
	Compress([]byte) ([]byte, error)   // 压缩数据
	Decompress([]byte) ([]byte, error) // 解压缩数据
	Scheme() byte                      // 帧头标识
}

// NoopCompressor 不压缩
type NoopCompressor struct{}

func (NoopCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (NoopCompressor) Scheme() byte                           { return SchemeNone }

// GzipCompressor Gzip压缩实现
type GzipCompressor struct{}

// Compress 使用Gzip压缩数据
func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
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

// Decompress 使用Gzip解压缩数据
func (g *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	// 检查gzip魔数（1F 8B）
	if len(data) < 2 || data[0] != 0x1F || data[1] != 0x8B {
		return nil, fmt.Errorf("invalid gzip header: %w", errors.ErrInvalidFrame)
	}

	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GzipCompressor) Scheme() byte { return SchemeGzip }

// SnappyCompressor Snappy压缩实现
type SnappyCompressor struct{}

// Compress 使用Snappy压缩数据
func (s *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

// Decompress 使用Snappy解压缩数据
func (s *SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty snappy block: %w", errors.ErrInvalidFrame)
	}
	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress failed: %w", err)
	}
	return decoded, nil
}

func (s *SnappyCompressor) Scheme() byte { return SchemeSnappy }

// GetCompressor 根据名称获取压缩器
func GetCompressor(name string) (Compressor, error) {
	switch name {
	case "", "none":
		return NoopCompressor{}, nil
	case "gzip":
		return &GzipCompressor{}, nil
	case "snappy":
		return &SnappyCompressor{}, nil
	}
	return nil, fmt.Errorf("unknown compression %q", name)
}

// Wrap 压缩并加上一字节帧头
func Wrap(c Compressor, data []byte) ([]byte, error) {
	body, err := c.Compress(data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, c.Scheme())
	return append(out, body...), nil
}

// Unwrap 按帧头解压，帧头决定算法，与本端配置无关
func Unwrap(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty binary frame: %w", errors.ErrInvalidFrame)
	}
	var c Compressor
	switch frame[0] {
	case SchemeNone:
		c = NoopCompressor{}
	case SchemeGzip:
		c = &GzipCompressor{}
	case SchemeSnappy:
		c = &SnappyCompressor{}
	default:
		return nil, fmt.Errorf("unknown compression scheme %d: %w", frame[0], errors.ErrInvalidFrame)
	}
	return c.Decompress(frame[1:])
}
