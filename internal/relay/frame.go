// Package relay is the shared delivery daemon: producers stream
// formatted hits to it over a unix socket, and it owns the durable queue
// and dispatch schedule for all of them.
//
// A session is one connection. The client opens with a hello frame, the
// server answers with an ack carrying the session id, then the client
// streams hit and clear frames and ends with bye. Frames are CBOR items
// written back to back; CBOR is self-delimiting so no extra framing is
// needed.
package relay

import (
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/beacon/internal/wire"
)

// ProtocolVersion is sent in hello and must match on both sides.
const ProtocolVersion = 1

// FrameType tags a frame.
type FrameType uint8

const (
	FrameHello FrameType = iota + 1
	FrameHit
	FrameClear
	FrameBye
	FrameAck
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameHit:
		return "hit"
	case FrameClear:
		return "clear"
	case FrameBye:
		return "bye"
	case FrameAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Frame is the single message shape of the protocol. Which fields are
// set depends on Type.
type Frame struct {
	Type     FrameType         `cbor:"1,keyasint"`
	Version  int               `cbor:"2,keyasint,omitempty"`
	Session  string            `cbor:"3,keyasint,omitempty"`
	Params   map[string]string `cbor:"4,keyasint,omitempty"`
	HitTime  int64             `cbor:"5,keyasint,omitempty"`
	Path     string            `cbor:"6,keyasint,omitempty"`
	Commands []wire.Command    `cbor:"7,keyasint,omitempty"`
	Error    string            `cbor:"8,keyasint,omitempty"`
}

// maxMapPairs bounds a decoded params map.
const maxMapPairs = 1024

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("relay: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxMapPairs: maxMapPairs}.DecMode()
	if err != nil {
		panic("relay: CBOR decoder initialization failed: " + err.Error())
	}
}

func newEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }
func newDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
