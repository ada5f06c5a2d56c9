package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/BetaCatPro/ws-relay/internal/errors"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// 协议事件
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventClose     = "phx_close"
	EventError     = "phx_error"
	EventHeartbeat = "heartbeat"
	EventBroadcast = "broadcast"

	TopicPhoenix = "phoenix" // 心跳使用的系统主题
	TopicPrefix  = "realtime:"

	ReplyOK    = "ok"
	ReplyError = "error"
)

// Envelope 线上传输的帧
type Envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// BroadcastPayload broadcast 帧的负载
type BroadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ReplyPayload phx_reply 帧的负载
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// JoinConfig phx_join 帧的负载
type JoinConfig struct {
	Config struct {
		Broadcast struct {
			Self bool `json:"self"`
			Ack  bool `json:"ack"`
		} `json:"broadcast"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

// Topic 频道名转主题
func Topic(channel string) string {
	return TopicPrefix + channel
}

// NewEnvelope 构造帧，payload 会被编码为 JSON
func NewEnvelope(topic, event string, payload any, ref, joinRef string) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return &Envelope{Topic: topic, Event: event, Payload: raw, Ref: ref, JoinRef: joinRef}, nil
}

// Reply 构造 phx_reply
func Reply(req *Envelope, status string, response any) (*Envelope, error) {
	resp, err := json.Marshal(response)
	if err != nil {
		return nil, err
	}
	return NewEnvelope(req.Topic, EventReply, ReplyPayload{Status: status, Response: resp}, req.Ref, req.JoinRef)
}

// Codec 帧编解码接口
type Codec interface {
	Encode(*Envelope) ([]byte, error) // 编码帧
	Decode([]byte, *Envelope) error   // 解码帧
	MessageType() int                 // websocket 消息类型
	Name() string
}

// JSONCodec JSON 文本帧
type JSONCodec struct{}

// Encode 编码为JSON
func (JSONCodec) Encode(env *Envelope) ([]byte, error) {
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("{}")
	}
	return json.Marshal(env)
}

// Decode 从JSON解码
func (JSONCodec) Decode(data []byte, env *Envelope) error {
	if err := json.Unmarshal(data, env); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidFrame, err)
	}
	if env.Event == "" {
		return fmt.Errorf("%w: missing event", errors.ErrInvalidFrame)
	}
	return nil
}

func (JSONCodec) MessageType() int { return websocket.TextMessage }
func (JSONCodec) Name() string     { return "json" }

// ProtobufCodec 以 structpb.Struct 编码的二进制帧
type ProtobufCodec struct{}

// Encode 编码为Protobuf
func (ProtobufCodec) Encode(env *Envelope) ([]byte, error) {
	var payload any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("payload is not valid JSON: %w", err)
		}
	}
	pv, err := structpb.NewValue(payload)
	if err != nil {
		return nil, err
	}
	msg := &structpb.Struct{Fields: map[string]*structpb.Value{
		"topic":    structpb.NewStringValue(env.Topic),
		"event":    structpb.NewStringValue(env.Event),
		"ref":      structpb.NewStringValue(env.Ref),
		"join_ref": structpb.NewStringValue(env.JoinRef),
		"payload":  pv,
	}}
	return proto.Marshal(msg)
}

// Decode 从Protobuf解码
func (ProtobufCodec) Decode(data []byte, env *Envelope) error {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidFrame, err)
	}
	f := msg.GetFields()
	env.Topic = f["topic"].GetStringValue()
	env.Event = f["event"].GetStringValue()
	env.Ref = f["ref"].GetStringValue()
	env.JoinRef = f["join_ref"].GetStringValue()
	if env.Event == "" {
		return fmt.Errorf("%w: missing event", errors.ErrInvalidFrame)
	}

	env.Payload = json.RawMessage("{}")
	if pv, ok := f["payload"]; ok && pv != nil {
		raw, err := json.Marshal(pv.AsInterface())
		if err != nil {
			return fmt.Errorf("%w: %v", errors.ErrInvalidFrame, err)
		}
		env.Payload = raw
	}
	return nil
}

func (ProtobufCodec) MessageType() int { return websocket.BinaryMessage }
func (ProtobufCodec) Name() string     { return "protobuf" }

// GetCodec 根据名称获取编解码器
func GetCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "protobuf":
		return ProtobufCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %q", errors.ErrUnknownCodec, name)
}
