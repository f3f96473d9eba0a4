package proxy

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/seantiz/tasklink/worker"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// frameHeaderSize is the length of the big-endian length prefix.
const frameHeaderSize = 4

// MessageType tags every envelope on the wire.
type MessageType string

// Request and reply message types understood by the proxy.
const (
	TypePingRequest       MessageType = "PingRequest"
	TypePingReply         MessageType = "PingReply"
	TypeHeartbeatRequest  MessageType = "HeartbeatRequest"
	TypeHeartbeatReply    MessageType = "HeartbeatReply"
	TypeConnectRequest    MessageType = "ConnectRequest"
	TypeConnectReply      MessageType = "ConnectReply"
	TypeNewWorkerRequest  MessageType = "NewWorkerRequest"
	TypeNewWorkerReply    MessageType = "NewWorkerReply"
	TypeStopWorkerRequest MessageType = "StopWorkerRequest"
	TypeStopWorkerReply   MessageType = "StopWorkerReply"
)

// Message is implemented by every typed payload that can travel in an envelope.
type Message interface {
	MessageType() MessageType
}

// Request is a message sent to the proxy that expects exactly one reply.
type Request interface {
	Message
	// ReplyType is the message type of the reply paired with this request.
	ReplyType() MessageType
}

// Reply is a message sent by the proxy in answer to a Request.
type Reply interface {
	Message
	reply()
}

// Envelope is the JSON document carried by each frame.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      uint64          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo describes an engine-side failure attached to a reply.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Frame is one decoded unit of traffic: the correlation id, the typed
// payload, and the optional error the proxy attached to a reply.
type Frame struct {
	ID      uint64
	Message Message
	Error   *ErrorInfo
}

// PingRequest asks the proxy to answer with a PingReply.
type PingRequest struct{}

// PingReply answers a PingRequest.
type PingReply struct{}

// HeartbeatRequest is sent periodically to verify the proxy is responsive.
type HeartbeatRequest struct{}

// HeartbeatReply answers a HeartbeatRequest.
type HeartbeatReply struct{}

// ConnectRequest asks the proxy to establish its session with the engine.
type ConnectRequest struct {
	Endpoints    []string `json:"endpoints"`
	Identity     string   `json:"identity,omitempty"`
	Domain       string   `json:"domain,omitempty"`
	CreateDomain bool     `json:"create_domain,omitempty"`
}

// ConnectReply answers a ConnectRequest.
type ConnectReply struct{}

// NewWorkerRequest registers a workflow or activity worker with the engine.
type NewWorkerRequest struct {
	Name       string          `json:"name"`
	IsWorkflow bool            `json:"is_workflow"`
	Domain     string          `json:"domain"`
	TaskList   string          `json:"task_list"`
	Options    *worker.Options `json:"options,omitempty"`
}

// NewWorkerReply carries the engine-assigned worker id.
type NewWorkerReply struct {
	WorkerID int64 `json:"worker_id"`
}

// StopWorkerRequest stops a previously registered worker.
type StopWorkerRequest struct {
	WorkerID int64 `json:"worker_id"`
}

// StopWorkerReply answers a StopWorkerRequest.
type StopWorkerReply struct{}

func (*PingRequest) MessageType() MessageType       { return TypePingRequest }
func (*PingReply) MessageType() MessageType         { return TypePingReply }
func (*HeartbeatRequest) MessageType() MessageType  { return TypeHeartbeatRequest }
func (*HeartbeatReply) MessageType() MessageType    { return TypeHeartbeatReply }
func (*ConnectRequest) MessageType() MessageType    { return TypeConnectRequest }
func (*ConnectReply) MessageType() MessageType      { return TypeConnectReply }
func (*NewWorkerRequest) MessageType() MessageType  { return TypeNewWorkerRequest }
func (*NewWorkerReply) MessageType() MessageType    { return TypeNewWorkerReply }
func (*StopWorkerRequest) MessageType() MessageType { return TypeStopWorkerRequest }
func (*StopWorkerReply) MessageType() MessageType   { return TypeStopWorkerReply }

func (*PingRequest) ReplyType() MessageType       { return TypePingReply }
func (*HeartbeatRequest) ReplyType() MessageType  { return TypeHeartbeatReply }
func (*ConnectRequest) ReplyType() MessageType    { return TypeConnectReply }
func (*NewWorkerRequest) ReplyType() MessageType  { return TypeNewWorkerReply }
func (*StopWorkerRequest) ReplyType() MessageType { return TypeStopWorkerReply }

func (*PingReply) reply()       {}
func (*HeartbeatReply) reply()  {}
func (*ConnectReply) reply()    {}
func (*NewWorkerReply) reply()  {}
func (*StopWorkerReply) reply() {}

// messageFactories is the closed set of message types the codec accepts.
var messageFactories = map[MessageType]func() Message{
	TypePingRequest:       func() Message { return &PingRequest{} },
	TypePingReply:         func() Message { return &PingReply{} },
	TypeHeartbeatRequest:  func() Message { return &HeartbeatRequest{} },
	TypeHeartbeatReply:    func() Message { return &HeartbeatReply{} },
	TypeConnectRequest:    func() Message { return &ConnectRequest{} },
	TypeConnectReply:      func() Message { return &ConnectReply{} },
	TypeNewWorkerRequest:  func() Message { return &NewWorkerRequest{} },
	TypeNewWorkerReply:    func() Message { return &NewWorkerReply{} },
	TypeStopWorkerRequest: func() Message { return &StopWorkerRequest{} },
	TypeStopWorkerReply:   func() Message { return &StopWorkerReply{} },
}

// NewReply returns an empty reply of the type paired with req.
func NewReply(req Request) Reply {
	return messageFactories[req.ReplyType()]().(Reply)
}

// Encode serializes f into a complete frame: a 4-byte big-endian length
// prefix followed by the JSON envelope.
func Encode(f Frame) ([]byte, error) {
	if f.Message == nil {
		return nil, errors.New("encode frame: nil message")
	}
	if _, ok := messageFactories[f.Message.MessageType()]; !ok {
		return nil, fmt.Errorf("encode frame: unknown message type %q", f.Message.MessageType())
	}

	payload, err := json.Marshal(f.Message)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	body, err := json.Marshal(Envelope{
		Type:    f.Message.MessageType(),
		ID:      f.ID,
		Payload: payload,
		Error:   f.Error,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(body) > MaxMessageSize {
		return nil, fmt.Errorf("encode frame: message size %d exceeds maximum %d", len(body), MaxMessageSize)
	}

	data := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(data, uint32(len(body)))
	copy(data[frameHeaderSize:], body)
	return data, nil
}

// Decode parses one complete frame produced by Encode.
func Decode(data []byte) (Frame, error) {
	if len(data) < frameHeaderSize {
		return Frame{}, formatErr("truncated length prefix", io.ErrUnexpectedEOF)
	}

	length := binary.BigEndian.Uint32(data)
	if length > MaxMessageSize {
		return Frame{}, formatErr(fmt.Sprintf("message size %d exceeds maximum %d", length, MaxMessageSize), nil)
	}

	body := data[frameHeaderSize:]
	switch {
	case uint32(len(body)) < length:
		return Frame{}, formatErr("truncated payload", io.ErrUnexpectedEOF)
	case uint32(len(body)) > length:
		return Frame{}, formatErr(fmt.Sprintf("%d trailing bytes after frame", uint32(len(body))-length), nil)
	}

	return decodeBody(body)
}

// WriteFrame encodes f and writes it to w.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads and decodes the next frame from r. A clean end of stream
// before any header byte is reported as io.EOF; anything cut short inside a
// frame is a *FormatError.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, formatErr("truncated length prefix", err)
		}
		return Frame{}, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxMessageSize {
		return Frame{}, formatErr(fmt.Sprintf("message size %d exceeds maximum %d", length, MaxMessageSize), nil)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, formatErr("truncated payload", err)
	}

	return decodeBody(body)
}

func decodeBody(body []byte) (Frame, error) {
	var env Envelope
	if err := strictUnmarshal(body, &env); err != nil {
		return Frame{}, formatErr("malformed envelope", err)
	}
	if env.Type == "" {
		return Frame{}, formatErr("missing message type", nil)
	}
	if env.ID == 0 {
		return Frame{}, formatErr("missing correlation id", nil)
	}

	factory, ok := messageFactories[env.Type]
	if !ok {
		return Frame{}, formatErr(fmt.Sprintf("unknown message type %q", env.Type), nil)
	}

	msg := factory()
	if len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
		if err := strictUnmarshal(env.Payload, msg); err != nil {
			return Frame{}, formatErr(fmt.Sprintf("invalid %s payload", env.Type), err)
		}
	}

	return Frame{ID: env.ID, Message: msg, Error: env.Error}, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}
