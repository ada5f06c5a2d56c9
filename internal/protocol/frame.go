package protocol

import (
	"fmt"

	"github.com/BetaCatPro/ws-relay/internal/compression"
	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/gorilla/websocket"
)

// Framer 负责帧的编码、压缩与解码
type Framer struct {
	codec      Codec
	compressor compression.Compressor
}

// NewFramer 创建 Framer；文本帧从不压缩
func NewFramer(codecName, compressionName string) (*Framer, error) {
	codec, err := GetCodec(codecName)
	if err != nil {
		return nil, err
	}
	comp, err := compression.GetCompressor(compressionName)
	if err != nil {
		return nil, err
	}
	return &Framer{codec: codec, compressor: comp}, nil
}

// Codec 返回当前编解码器
func (f *Framer) Codec() Codec {
	return f.codec
}

// Encode 编码一个帧，返回 websocket 消息类型与数据
func (f *Framer) Encode(env *Envelope) (int, []byte, error) {
	data, err := f.codec.Encode(env)
	if err != nil {
		return 0, nil, err
	}
	if f.codec.MessageType() == websocket.BinaryMessage {
		data, err = compression.Wrap(f.compressor, data)
		if err != nil {
			return 0, nil, fmt.Errorf("compress frame: %w", err)
		}
	}
	return f.codec.MessageType(), data, nil
}

// Decode 按消息类型解码，不依赖本端配置
func (f *Framer) Decode(msgType int, data []byte) (*Envelope, error) {
	var env Envelope
	switch msgType {
	case websocket.TextMessage:
		if err := (JSONCodec{}).Decode(data, &env); err != nil {
			return nil, err
		}
	case websocket.BinaryMessage:
		raw, err := compression.Unwrap(data)
		if err != nil {
			return nil, err
		}
		if err := (ProtobufCodec{}).Decode(raw, &env); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: message type %d", errors.ErrInvalidFrame, msgType)
	}
	return &env, nil
}
