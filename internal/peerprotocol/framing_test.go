package peerprotocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	return got
}

func TestRequestFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, RequestMessage{Index: 1, Begin: 16384, Length: 16384}))
	assert.Equal(t, []byte{
		0, 0, 0, 13, // length
		6,           // id
		0, 0, 0, 1, // index
		0, 0, 0x40, 0, // begin
		0, 0, 0x40, 0, // length
	}, buf.Bytes())
}

func TestRoundTrip(t *testing.T) {
	msgs := []Message{
		ChokeMessage{},
		UnchokeMessage{},
		InterestedMessage{},
		NotInterestedMessage{},
		HaveMessage{Index: 42},
		BitfieldMessage{Data: []byte{0xa0}},
		RequestMessage{Index: 3, Begin: 32768, Length: 16384},
		PieceMessage{Index: 3, Begin: 32768, Data: []byte("data")},
		CancelMessage{RequestMessage{Index: 3, Begin: 0, Length: 16384}},
		PortMessage{Port: 6881},
		SuggestMessage{HaveMessage{Index: 7}},
		HaveAllMessage{},
		HaveNoneMessage{},
		RejectMessage{RequestMessage{Index: 1, Begin: 0, Length: 16384}},
		AllowedFastMessage{HaveMessage{Index: 9}},
		ExtensionMessage{ExtendedMessageID: 1, Data: []byte("d1:v1:xe")},
	}
	for _, msg := range msgs {
		got := roundTrip(t, msg)
		assert.Equal(t, msg, got)
	}
}

func TestKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKeepAlive(&buf))
	_, err := ReadMessage(&buf)
	assert.Equal(t, ErrKeepAlive, err)
}

func TestTooLarge(t *testing.T) {
	var buf bytes.Buffer
	data := make([]byte, MaxMessageLength)
	require.NoError(t, WriteMessage(&buf, PieceMessage{Index: 0, Begin: 0, Data: data}))
	_, err := ReadMessage(&buf)
	assert.Error(t, err)
}

func TestInvalidLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 2, 4, 0xff}) // HAVE with 1 byte payload
	_, err := ReadMessage(buf)
	assert.Error(t, err)
}
