package node

import "hopnet/internal/packet"

type EventType string

const (
	EventMessageReceived  EventType = "message_received"
	EventFragmentAcked    EventType = "fragment_acked"
	EventFragmentNacked   EventType = "fragment_nacked"
	EventSessionComplete  EventType = "session_complete"
	EventSendFailed       EventType = "send_failed"
	EventFloodStarted     EventType = "flood_started"
	EventFloodResponse    EventType = "flood_response"
	EventTopologyConflict EventType = "topology_conflict"
)

type Event struct {
	Type     EventType
	Session  uint64
	Fragment uint64
	Node     packet.NodeID
	FloodID  uint64
	Nack     packet.NackType
	Err      string
}
