package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/BetaCatPro/chatgate/internal/errors"
)

// MaxInflatedSize 单帧解压后的上限
const MaxInflatedSize = 64 << 20

// Compressor 压缩器接口
type Compressor interface {
	Compress([]byte) ([]byte, error)   // 压缩数据
	Decompress([]byte) ([]byte, error) // 解压缩数据
}

// ZlibCompressor zlib压缩实现，网关的 compress=true 使用该格式
type ZlibCompressor struct{}

// Compress 使用zlib压缩数据
func (z *ZlibCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress 使用zlib解压缩数据
func (z *ZlibCompressor) Decompress(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return nil, fmt.Errorf("%w: invalid zlib header", errors.ErrDecompressionFailed)
	}

	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrDecompressionFailed, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxInflatedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrDecompressionFailed, err)
	}
	return out, nil
}

// NoneCompressor 不压缩
type NoneCompressor struct{}

func (n *NoneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (n *NoneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// IsCompressed 检查zlib头（78 xx）
func IsCompressed(data []byte) bool {
	if len(data) < 2 || data[0] != 0x78 {
		return false
	}
	return (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}

// GetCompressor 根据名称获取压缩器
func GetCompressor(name string) Compressor {
	switch name {
	case "zlib":
		return &ZlibCompressor{}
	default:
		return &NoneCompressor{}
	}
}
