// Package peerprotocol contains the messages exchanged with peers after
// the handshake, framed as a 4-byte big-endian length followed by a
// 1-byte message id and the payload.
package peerprotocol

import (
	"encoding/binary"
	"fmt"
)

// MessageID is the type byte following the length prefix.
type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

// Fast extension (BEP 6) message ids.
const (
	Suggest MessageID = 13 + iota
	HaveAll
	HaveNone
	Reject
	AllowedFast
)

// Extended is the extension protocol (BEP 10) message id.
const Extended MessageID = 20

// MaxPieceLength is the largest transfer unit requested from a peer.
const MaxPieceLength = 16 * 1024

// MaxMessageLength is the largest legal frame: a PIECE message header
// plus a 128 KiB payload.
const MaxMessageLength = 9 + 131072

// Feature flags advertised in the reserved bytes of the handshake.
const (
	DHTSupport       = 0x01
	FastSupport      = 0x04
	ExtensionSupport = 0x10
)

var messageNames = map[MessageID]string{
	Choke:         "choke",
	Unchoke:       "unchoke",
	Interested:    "interested",
	NotInterested: "not interested",
	Have:          "have",
	Bitfield:      "bitfield",
	Request:       "request",
	Piece:         "piece",
	Cancel:        "cancel",
	Port:          "port",
	Suggest:       "suggest piece",
	HaveAll:       "have all",
	HaveNone:      "have none",
	Reject:        "reject request",
	AllowedFast:   "allowed fast",
	Extended:      "extended",
}

func (i MessageID) String() string {
	if s, ok := messageNames[i]; ok {
		return s
	}
	return fmt.Sprintf("unknown (%d)", uint8(i))
}

// Message is a frame that can be sent to a peer.
type Message interface {
	ID() MessageID
	Payload() []byte
}

type ChokeMessage struct{}
type UnchokeMessage struct{}
type InterestedMessage struct{}
type NotInterestedMessage struct{}

func (m ChokeMessage) ID() MessageID         { return Choke }
func (m UnchokeMessage) ID() MessageID       { return Unchoke }
func (m InterestedMessage) ID() MessageID    { return Interested }
func (m NotInterestedMessage) ID() MessageID { return NotInterested }

func (m ChokeMessage) Payload() []byte         { return nil }
func (m UnchokeMessage) Payload() []byte       { return nil }
func (m InterestedMessage) Payload() []byte    { return nil }
func (m NotInterestedMessage) Payload() []byte { return nil }

type HaveMessage struct {
	Index uint32
}

func (m HaveMessage) ID() MessageID { return Have }
func (m HaveMessage) Payload() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b
}

type BitfieldMessage struct {
	Data []byte
}

func (m BitfieldMessage) ID() MessageID   { return Bitfield }
func (m BitfieldMessage) Payload() []byte { return m.Data }

type RequestMessage struct {
	Index, Begin, Length uint32
}

func (m RequestMessage) ID() MessageID { return Request }
func (m RequestMessage) Payload() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b
}

type PieceMessage struct {
	Index, Begin uint32
	Data         []byte
}

func (m PieceMessage) ID() MessageID { return Piece }
func (m PieceMessage) Payload() []byte {
	b := make([]byte, 8+len(m.Data))
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	copy(b[8:], m.Data)
	return b
}

type CancelMessage struct {
	RequestMessage
}

func (m CancelMessage) ID() MessageID { return Cancel }

type PortMessage struct {
	Port uint16
}

func (m PortMessage) ID() MessageID { return Port }
func (m PortMessage) Payload() []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, m.Port)
	return b
}

type SuggestMessage struct {
	HaveMessage
}

func (m SuggestMessage) ID() MessageID { return Suggest }

type HaveAllMessage struct{}
type HaveNoneMessage struct{}

func (m HaveAllMessage) ID() MessageID    { return HaveAll }
func (m HaveNoneMessage) ID() MessageID   { return HaveNone }
func (m HaveAllMessage) Payload() []byte  { return nil }
func (m HaveNoneMessage) Payload() []byte { return nil }

type RejectMessage struct {
	RequestMessage
}

func (m RejectMessage) ID() MessageID { return Reject }

type AllowedFastMessage struct {
	HaveMessage
}

func (m AllowedFastMessage) ID() MessageID { return AllowedFast }

type ExtensionMessage struct {
	ExtendedMessageID uint8
	Data              []byte
}

func (m ExtensionMessage) ID() MessageID { return Extended }
func (m ExtensionMessage) Payload() []byte {
	b := make([]byte, 1+len(m.Data))
	b[0] = m.ExtendedMessageID
	copy(b[1:], m.Data)
	return b
}
