package peerprotocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrKeepAlive is returned by ReadMessage when a zero-length frame
	// arrives. It is not a failure.
	ErrKeepAlive = errors.New("keep-alive")

	errMessageTooLarge = errors.New("message is too large")
)

// WriteMessage frames msg and writes it to w in a single call.
func WriteMessage(w io.Writer, msg Message) error {
	payload := msg.Payload()
	b := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(b[0:4], uint32(1+len(payload)))
	b[4] = byte(msg.ID())
	copy(b[5:], payload)
	_, err := w.Write(b)
	return err
}

// WriteKeepAlive writes a zero-length frame.
func WriteKeepAlive(w io.Writer) error {
	_, err := w.Write([]byte{0, 0, 0, 0})
	return err
}

// ReadMessage reads one framed message from r. It returns ErrKeepAlive
// for zero-length frames and an error for frames over MaxMessageLength.
// Unknown message ids are skipped and reported with an error.
func ReadMessage(r io.Reader) (Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, ErrKeepAlive
	}
	if length > MaxMessageLength {
		return nil, errMessageTooLarge
	}
	var id uint8
	if err := binary.Read(r, binary.BigEndian, &id); err != nil {
		return nil, err
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return decode(MessageID(id), payload)
}

func decode(id MessageID, payload []byte) (Message, error) {
	switch id {
	case Choke:
		return ChokeMessage{}, nil
	case Unchoke:
		return UnchokeMessage{}, nil
	case Interested:
		return InterestedMessage{}, nil
	case NotInterested:
		return NotInterestedMessage{}, nil
	case Have:
		if len(payload) != 4 {
			return nil, fmt.Errorf("invalid %s message length: %d", id, len(payload))
		}
		return HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case Bitfield:
		return BitfieldMessage{Data: payload}, nil
	case Request, Cancel, Reject:
		if len(payload) != 12 {
			return nil, fmt.Errorf("invalid %s message length: %d", id, len(payload))
		}
		req := RequestMessage{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}
		switch id {
		case Cancel:
			return CancelMessage{req}, nil
		case Reject:
			return RejectMessage{req}, nil
		default:
			return req, nil
		}
	case Piece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("invalid %s message length: %d", id, len(payload))
		}
		return PieceMessage{
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Data:  payload[8:],
		}, nil
	case Port:
		if len(payload) != 2 {
			return nil, fmt.Errorf("invalid %s message length: %d", id, len(payload))
		}
		return PortMessage{Port: binary.BigEndian.Uint16(payload)}, nil
	case Suggest:
		if len(payload) != 4 {
			return nil, fmt.Errorf("invalid %s message length: %d", id, len(payload))
		}
		return SuggestMessage{HaveMessage{Index: binary.BigEndian.Uint32(payload)}}, nil
	case HaveAll:
		return HaveAllMessage{}, nil
	case HaveNone:
		return HaveNoneMessage{}, nil
	case AllowedFast:
		if len(payload) != 4 {
			return nil, fmt.Errorf("invalid %s message length: %d", id, len(payload))
		}
		return AllowedFastMessage{HaveMessage{Index: binary.BigEndian.Uint32(payload)}}, nil
	case Extended:
		if len(payload) < 1 {
			return nil, fmt.Errorf("invalid %s message length: %d", id, len(payload))
		}
		return ExtensionMessage{ExtendedMessageID: payload[0], Data: payload[1:]}, nil
	default:
		return nil, fmt.Errorf("unhandled message type: %s", id)
	}
}
