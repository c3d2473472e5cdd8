package peer_wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const Proto = "BitTorrent protocol"

//could hold the largest legal piece payload as well as the bitfield of a
//multi-million piece torrent. Anything above it is garbage or an attack.
const maxMsgLen = 1 << 18

type MessageID int8

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
	//KeepAlive has no ID on the wire (zero length prefix), we give it one
	//internally.
	KeepAlive
)

type Msg struct {
	Kind  MessageID
	Index uint32
	Begin uint32
	Len   uint32
	Bf    BitField
	Block []byte
	Port  uint16
}

//Encode serializes m with its 4 byte big endian length prefix.
func (m *Msg) Encode() []byte {
	checkWrite := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	if m.Kind == KeepAlive {
		return []byte{0, 0, 0, 0}
	}
	var b bytes.Buffer
	switch m.Kind {
	case Choke, Unchoke, Interested, NotInterested:
		checkWrite(writeBinary(&b, byte(m.Kind)))
	case Have:
		checkWrite(writeBinary(&b, byte(m.Kind), m.Index))
	case Bitfield:
		checkWrite(writeBinary(&b, byte(m.Kind), []byte(m.Bf)))
	case Request, Cancel:
		checkWrite(writeBinary(&b, byte(m.Kind), m.Index, m.Begin, m.Len))
	case Piece:
		checkWrite(writeBinary(&b, byte(m.Kind), m.Index, m.Begin, m.Block))
	case Port:
		checkWrite(writeBinary(&b, byte(m.Kind), m.Port))
	default:
		panic(fmt.Sprintf("encode: unknown message id %d", m.Kind))
	}
	buf := make([]byte, 4+b.Len())
	binary.BigEndian.PutUint32(buf, uint32(b.Len()))
	copy(buf[4:], b.Bytes())
	return buf
}

//Write sends m on conn.
func (m *Msg) Write(conn net.Conn) error {
	_, err := conn.Write(m.Encode())
	return err
}

//Decode reads exactly one message from r. It blocks until a whole frame is
//available so a fragmented stream decodes the same as a contiguous one.
//Errors other than the reader's own are protocol violations and the
//connection should be closed.
func Decode(r io.Reader) (*Msg, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(prefix[:])
	if msgLen == 0 {
		return &Msg{Kind: KeepAlive}, nil
	}
	if msgLen > maxMsgLen {
		return nil, fmt.Errorf("message length %d exceeds limit %d", msgLen, maxMsgLen)
	}
	payload := make([]byte, msgLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	msg := &Msg{Kind: MessageID(payload[0])}
	payload = payload[1:]
	switch msg.Kind {
	case Choke, Unchoke, Interested, NotInterested:
		if len(payload) != 0 {
			return nil, fmt.Errorf("message id %d with payload of length %d", msg.Kind, len(payload))
		}
	case Have:
		if len(payload) != 4 {
			return nil, fmt.Errorf("have payload has length %d", len(payload))
		}
		msg.Index = binary.BigEndian.Uint32(payload)
	case Bitfield:
		msg.Bf = BitField(payload)
	case Request, Cancel:
		if len(payload) != 12 {
			return nil, fmt.Errorf("message id %d payload has length %d", msg.Kind, len(payload))
		}
		msg.Index = binary.BigEndian.Uint32(payload)
		msg.Begin = binary.BigEndian.Uint32(payload[4:])
		msg.Len = binary.BigEndian.Uint32(payload[8:])
	case Piece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("piece payload has length %d", len(payload))
		}
		msg.Index = binary.BigEndian.Uint32(payload)
		msg.Begin = binary.BigEndian.Uint32(payload[4:])
		msg.Block = payload[8:]
	case Port:
		if len(payload) != 2 {
			return nil, fmt.Errorf("port payload has length %d", len(payload))
		}
		msg.Port = binary.BigEndian.Uint16(payload)
	default:
		return nil, fmt.Errorf("unknown message id %d", msg.Kind)
	}
	return msg, nil
}

func readFromBinary(r io.Reader, data ...interface{}) error {
	var err error
	for _, d := range data {
		err = binary.Read(r, binary.BigEndian, d)
		if err != nil {
			return fmt.Errorf("read binary: %w", err)
		}
	}
	return nil
}

func writeBinary(w io.Writer, data ...interface{}) error {
	var err error
	for _, d := range data {
		err = binary.Write(w, binary.BigEndian, d)
		if err != nil {
			return fmt.Errorf("write binary: %w", err)
		}
	}
	return nil
}
