// Package protocol holds kadnet's wire records: frame type tags, the
// application message envelope and the bodies carried inside it.
package protocol

// Version is the protocol version carried in handshakes and peer records.
// Peers speaking any version in [MinVersion, Version] interoperate.
const (
	Version    uint64 = 1
	MinVersion uint64 = 1
)

// MessageType is the frame type tag.
type MessageType uint8

// Types 1-4 appear on the raw channel before and around encryption.
// The rest travel on the encrypted control stream.
const (
	MessageTypeHandshakeInit   MessageType = 1
	MessageTypeHandshakeReply  MessageType = 2
	MessageTypeHandshakeFinish MessageType = 3
	MessageTypeSealed          MessageType = 4

	MessageTypePing      MessageType = 16
	MessageTypePong      MessageType = 17
	MessageTypeFindNode  MessageType = 18
	MessageTypeNodes     MessageType = 19
	MessageTypeBroadcast MessageType = 20
	MessageTypeCustom    MessageType = 21
	MessageTypeRequest   MessageType = 22
	MessageTypeResponse  MessageType = 23
	MessageTypeStore     MessageType = 24
	MessageTypeStoreAck  MessageType = 25
	MessageTypeFindValue MessageType = 26
	MessageTypeValue     MessageType = 27
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeHandshakeInit:
		return "HANDSHAKE_INIT"
	case MessageTypeHandshakeReply:
		return "HANDSHAKE_REPLY"
	case MessageTypeHandshakeFinish:
		return "HANDSHAKE_FINISH"
	case MessageTypeSealed:
		return "SEALED"
	case MessageTypePing:
		return "PING"
	case MessageTypePong:
		return "PONG"
	case MessageTypeFindNode:
		return "FIND_NODE"
	case MessageTypeNodes:
		return "NODES"
	case MessageTypeBroadcast:
		return "BROADCAST"
	case MessageTypeCustom:
		return "CUSTOM"
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeResponse:
		return "RESPONSE"
	case MessageTypeStore:
		return "STORE"
	case MessageTypeStoreAck:
		return "STORE_ACK"
	case MessageTypeFindValue:
		return "FIND_VALUE"
	case MessageTypeValue:
		return "VALUE"
	default:
		return "UNKNOWN"
	}
}

// IsApplication reports whether t may appear on the encrypted control stream.
func (t MessageType) IsApplication() bool {
	return t >= MessageTypePing && t <= MessageTypeValue
}

// ReplyType is the type of a successful answer to t, zero for one-way types.
func (t MessageType) ReplyType() MessageType {
	switch t {
	case MessageTypePing:
		return MessageTypePong
	case MessageTypeFindNode:
		return MessageTypeNodes
	case MessageTypeRequest:
		return MessageTypeResponse
	case MessageTypeStore:
		return MessageTypeStoreAck
	case MessageTypeFindValue:
		return MessageTypeValue
	default:
		return 0
	}
}

func (t MessageType) IsReply() bool {
	switch t {
	case MessageTypePong, MessageTypeNodes, MessageTypeResponse, MessageTypeStoreAck, MessageTypeValue:
		return true
	default:
		return false
	}
}
