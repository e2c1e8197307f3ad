// Package ipc implements the length-framed, bidirectional message stream
// that connects the parent supervisor to one worker, including out-of-band
// file descriptor transfer over the underlying UNIX-domain socket.
package ipc

// Kind identifies the purpose of a Message, mirroring the message table in
// the supervisor's wire protocol.
type Kind string

const (
	KindBindRequest  Kind = "bind_request"
	KindBindResponse Kind = "bind_response"
	KindReady        Kind = "ready"
	KindEvent        Kind = "event"
	KindShutdown     Kind = "shutdown"
	KindTerminated   Kind = "terminated"
)

// Message is the tagged-union envelope carried by every frame. Only the
// fields relevant to Kind are populated; the rest are left at their zero
// value. JSON keeps this layer dependency-free and legible in logs, and the
// spec calls the payload "opaque" to this layer anyway.
type Message struct {
	Kind Kind `json:"kind"`

	// BindRequest / BindResponse
	URI       string `json:"uri,omitempty"`
	PortReuse bool   `json:"port_reuse,omitempty"` // true: no FD attached, worker binds itself
	BindError string `json:"bind_error,omitempty"`

	// Event
	Event   string `json:"event,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

func BindRequest(uri string) Message {
	return Message{Kind: KindBindRequest, URI: uri}
}

func BindResponsePortReuse(uri string) Message {
	return Message{Kind: KindBindResponse, URI: uri, PortReuse: true}
}

func BindResponseFD(uri string) Message {
	return Message{Kind: KindBindResponse, URI: uri}
}

func BindResponseError(uri string, err error) Message {
	return Message{Kind: KindBindResponse, URI: uri, BindError: err.Error()}
}

func Ready() Message { return Message{Kind: KindReady} }

func Shutdown() Message { return Message{Kind: KindShutdown} }

func Terminated() Message { return Message{Kind: KindTerminated} }

func Event(name string, payload []byte) Message {
	return Message{Kind: KindEvent, Event: name, Payload: payload}
}
