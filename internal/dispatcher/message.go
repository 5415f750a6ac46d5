// Package dispatcher implements the dispatch ingress: control-message
// decode, punch-clock timestamping, global-id assignment, and routing into
// model-session queues, with failure replies sent back over the same RDMA
// connection.
package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/dengwxn/nexuslb/internal/memory"
)

// Status is the result of enqueueing a dispatch.
type Status int32

const (
	StatusOK Status = iota
	StatusModelNotFound
	StatusQueueFull
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusModelNotFound:
		return "model_not_found"
	case StatusQueueFull:
		return "queue_full"
	default:
		return "invalid"
	}
}

// Clock is the punch clock a query carries through the serving path. All
// fields are UnixNano timestamps.
type Clock struct {
	FrontendSendNS    int64 `json:"frontend_send_ns,omitempty"`
	DispatcherRecvNS  int64 `json:"dispatcher_recv_ns,omitempty"`
	DispatcherSchedNS int64 `json:"dispatcher_sched_ns,omitempty"`
}

// Dispatch is a frontend's request to schedule one query on a model
// session.
type Dispatch struct {
	ModelIndex uint32 `json:"model_index"`
	QueryID    uint64 `json:"query_id"`
	GlobalID   uint64 `json:"global_id,omitempty"`
	Clock      Clock  `json:"clock"`
}

// ReplyQuery echoes one query's identity and punch clock in a reply.
type ReplyQuery struct {
	QueryID uint64 `json:"query_id"`
	Clock   Clock  `json:"clock"`
}

// DispatchReply reports a dispatch failure back to the frontend. Successful
// dispatches are silent.
type DispatchReply struct {
	Status     Status       `json:"status"`
	ModelIndex uint32       `json:"model_index"`
	QueryList  []ReplyQuery `json:"query_list"`
}

// ControlMessage is the variant carried over RDMA SEND: exactly one field is
// set.
type ControlMessage struct {
	Dispatch      *Dispatch      `json:"dispatch,omitempty"`
	DispatchReply *DispatchReply `json:"dispatch_reply,omitempty"`
}

// MarshalToBlock serializes the message into the block's message view and
// sets the length header.
func MarshalToBlock(msg *ControlMessage, buf *memory.Block) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	view := buf.MessageView()
	if len(data) > view.PayloadCapacity() {
		return fmt.Errorf("control message of %d bytes exceeds block payload capacity %d",
			len(data), view.PayloadCapacity())
	}
	copy(view.PayloadBuffer(), data)
	view.SetLength(len(data))
	return nil
}

// UnmarshalFromView parses a control message from a received block's view.
func UnmarshalFromView(view memory.MessageView) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(view.Payload(), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal control message: %w", err)
	}
	return &msg, nil
}
