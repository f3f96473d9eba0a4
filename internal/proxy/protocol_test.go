package proxy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/seantiz/tasklink/worker"
)

// rawFrame wraps body in a length prefix without validating it.
func rawFrame(body string) []byte {
	data := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(data, uint32(len(body)))
	copy(data[frameHeaderSize:], body)
	return data
}

func TestEncodeDecodeNewWorkerRequest(t *testing.T) {
	original := Frame{
		ID: 42,
		Message: &NewWorkerRequest{
			Name:       "orders.Fulfil",
			IsWorkflow: true,
			Domain:     "domainA",
			TaskList:   "tasklistA",
			Options: &worker.Options{
				Identity:                           "host-1",
				MaxConcurrentActivityExecutionSize: 10,
				WorkerStopTimeout:                  5 * time.Second,
			},
		},
	}

	data, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.ID != 42 {
		t.Errorf("ID = %d, want 42", decoded.ID)
	}
	req, ok := decoded.Message.(*NewWorkerRequest)
	if !ok {
		t.Fatalf("Message = %T, want *NewWorkerRequest", decoded.Message)
	}
	if req.Name != "orders.Fulfil" || !req.IsWorkflow || req.Domain != "domainA" || req.TaskList != "tasklistA" {
		t.Errorf("decoded request = %+v", req)
	}
	if req.Options == nil {
		t.Fatal("Options = nil, want forwarded options")
	}
	if req.Options.MaxConcurrentActivityExecutionSize != 10 {
		t.Errorf("MaxConcurrentActivityExecutionSize = %d, want 10", req.Options.MaxConcurrentActivityExecutionSize)
	}
	if req.Options.WorkerStopTimeout != 5*time.Second {
		t.Errorf("WorkerStopTimeout = %v, want 5s", req.Options.WorkerStopTimeout)
	}
	if decoded.Error != nil {
		t.Errorf("Error = %+v, want nil", decoded.Error)
	}
}

func TestEncodeDecodeReplyWithError(t *testing.T) {
	data, err := Encode(Frame{
		ID:      7,
		Message: &StopWorkerReply{},
		Error:   &ErrorInfo{Kind: KindEntityNotExists, Message: "worker 9 does not exist"},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := decoded.Message.(*StopWorkerReply); !ok {
		t.Fatalf("Message = %T, want *StopWorkerReply", decoded.Message)
	}
	if decoded.Error == nil || decoded.Error.Kind != KindEntityNotExists {
		t.Errorf("Error = %+v, want kind %q", decoded.Error, KindEntityNotExists)
	}
}

func TestEncodeRejectsNilMessage(t *testing.T) {
	if _, err := Encode(Frame{ID: 1}); err == nil {
		t.Fatal("expected error for nil message")
	}
}

func TestDecodeFormatErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated length prefix", []byte{0x00, 0x01}},
		{"truncated payload", append([]byte{0x00, 0x00, 0x00, 0x64}, '{', '}')},
		{"trailing bytes", append(rawFrame(`{"type":"PingReply","id":1}`), 'x')},
		{"oversized", []byte{0x01, 0x00, 0x00, 0x01}},
		{"not json", rawFrame(`hello`)},
		{"missing type", rawFrame(`{"id":1}`)},
		{"missing id", rawFrame(`{"type":"PingReply"}`)},
		{"unknown type", rawFrame(`{"type":"LaunchRocket","id":1}`)},
		{"unknown envelope field", rawFrame(`{"type":"PingReply","id":1,"extra":true}`)},
		{"payload schema mismatch", rawFrame(`{"type":"NewWorkerReply","id":1,"payload":{"worker_id":"forty-two"}}`)},
		{"unknown payload field", rawFrame(`{"type":"StopWorkerRequest","id":1,"payload":{"worker":3}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Errorf("error %v is %T, want *FormatError", err, err)
			}
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("errors.Is(%v, ErrProtocol) = false", err)
			}
		})
	}
}

func TestDecodeNullPayload(t *testing.T) {
	f, err := Decode(rawFrame(`{"type":"PingReply","id":3,"payload":null}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := f.Message.(*PingReply); !ok {
		t.Errorf("Message = %T, want *PingReply", f.Message)
	}
}

func TestReadFrameStream(t *testing.T) {
	var buf bytes.Buffer
	for i, msg := range []Message{&PingRequest{}, &StopWorkerRequest{WorkerID: 9}} {
		if err := WriteFrame(&buf, Frame{ID: uint64(i + 1), Message: msg}); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	first, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame first: %v", err)
	}
	if first.ID != 1 || first.Message.MessageType() != TypePingRequest {
		t.Errorf("first = %d %s, want 1 %s", first.ID, first.Message.MessageType(), TypePingRequest)
	}

	second, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame second: %v", err)
	}
	stop, ok := second.Message.(*StopWorkerRequest)
	if !ok || stop.WorkerID != 9 {
		t.Errorf("second = %+v, want StopWorkerRequest{9}", second.Message)
	}

	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("ReadFrame at end = %v, want io.EOF", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	data, err := Encode(Frame{ID: 1, Message: &PingRequest{}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for _, cut := range []int{2, len(data) - 1} {
		_, err := ReadFrame(bytes.NewReader(data[:cut]))
		if !errors.Is(err, ErrProtocol) {
			t.Errorf("cut at %d: err = %v, want ErrProtocol", cut, err)
		}
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("cut at %d: err = %v, want io.ErrUnexpectedEOF", cut, err)
		}
	}
}

func TestNewReplyPairsWithRequest(t *testing.T) {
	tests := []struct {
		req  Request
		want MessageType
	}{
		{&PingRequest{}, TypePingReply},
		{&HeartbeatRequest{}, TypeHeartbeatReply},
		{&ConnectRequest{}, TypeConnectReply},
		{&NewWorkerRequest{}, TypeNewWorkerReply},
		{&StopWorkerRequest{}, TypeStopWorkerReply},
	}

	for _, tt := range tests {
		if got := NewReply(tt.req).MessageType(); got != tt.want {
			t.Errorf("NewReply(%s) = %s, want %s", tt.req.MessageType(), got, tt.want)
		}
	}
}
