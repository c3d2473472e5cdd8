package peer_wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
)

const protoLen byte = 19

var proto = [...]byte{
	'B', 'i', 't', 'T', 'o', 'r', 'r', 'e', 'n', 't',
	' ', 'p', 'r', 'o', 't', 'o', 'c', 'o', 'l',
}

type HandShake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

//Do runs the right side of the handshake based on h.InfoHash: non zero means
//we dialed and initiate, zero means we accepted and wait for the peer to
//reveal the info hash (it gets filled in). On success h.PeerID and
//h.Reserved hold the remote peer's values. If Do returns an error the
//connection should be closed.
func (h *HandShake) Do(conn net.Conn, ihashes map[[20]byte]struct{}) error {
	var err error
	switch {
	case h.InfoHash != ([20]byte{}):
		err = h.Initiate(conn)
	default:
		err = h.Receipt(conn, ihashes)
	}
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

func (h *HandShake) Initiate(conn net.Conn) error {
	var err error
	if err = h.write(conn); err != nil {
		return fmt.Errorf("initiate: %w", err)
	}
	var resp *HandShake
	if resp, err = readHs(conn); err != nil {
		return fmt.Errorf("initiate: %w", err)
	}
	if h.InfoHash != resp.InfoHash {
		return fmt.Errorf("initiate: info_hash response of peer %v doesn't match ours", conn.RemoteAddr())
	}
	h.PeerID = resp.PeerID
	h.Reserved = resp.Reserved
	return nil
}

//Receipt runs the handshake when the client is the recipient. h.InfoHash
//must be zero, it is filled with the hash the peer asked for provided we
//manage it.
func (h *HandShake) Receipt(conn io.ReadWriter, ihashes map[[20]byte]struct{}) error {
	req, err := readHs(conn)
	if err != nil {
		return err
	}
	if _, ok := ihashes[req.InfoHash]; !ok {
		return errors.New("receipt: client doesn't manage this info_hash")
	}
	h.InfoHash = req.InfoHash
	if err = h.write(conn); err != nil {
		return fmt.Errorf("receipt: %w", err)
	}
	h.PeerID = req.PeerID
	h.Reserved = req.Reserved
	return nil
}

//write sends the bytes of h to conn.
func (h *HandShake) write(conn io.Writer) error {
	var b bytes.Buffer
	if err := writeBinary(&b, protoLen, proto, h); err != nil {
		panic(err)
	}
	_, err := conn.Write(b.Bytes())
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func readHs(conn io.Reader) (*HandShake, error) {
	pstrLenSlc := make([]byte, 20)
	if _, err := io.ReadFull(conn, pstrLenSlc); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if pstrLenSlc[0] != protoLen || !bytes.Equal(pstrLenSlc[1:], proto[:]) {
		return nil, errors.New("unknown protocol string")
	}
	h := new(HandShake)
	if err := readFromBinary(conn, &h.Reserved, &h.InfoHash, &h.PeerID); err != nil {
		return nil, err
	}
	return h, nil
}
