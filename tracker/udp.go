package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"reflect"
	"time"
)

var errConnIDExpired = errors.New("connection id expired")

const (
	actionConnect int32 = iota
	actionAnnounce
	actionScrape
	actionError

	protoID int64 = 0x41727101980
)

type respHeader struct {
	Action int32
	TxID   int32
}

type reqHeader struct {
	ConnID int64
	Action int32
	TxID   int32
}

type connectReq struct {
	ProtoID int64
	Action  int32
	TxID    int32
}

type udpScrapeInfo struct {
	Seeders   int32
	Completed int32
	Leechers  int32
}

type announceFixed struct {
	Interval int32
	Leechers int32
	Seeders  int32
}

//UDPTrackerURL announces over the protocol BEP 15 specifies. Values are
//serialized in big endian and lost packets are retransmitted with
//exponential backoff. The connection id a tracker hands out is reused
//for a minute before connecting again.
type UDPTrackerURL struct {
	url                 trackerURL
	host                string
	conn                net.Conn
	connID              int64
	lastConnected       time.Time
	lastReq             []byte
	consecutiveTimeouts int
}

//Announce sends an announce, transparently (re)connecting first if we
//don't hold a fresh connection id.
func (t *UDPTrackerURL) Announce(ctx context.Context, r AnnounceReq) (*AnnounceResp, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := t.announce(ctx, r)
	for errors.Is(err, errConnIDExpired) {
		resp, err = t.announce(ctx, r)
	}
	if err != nil {
		return nil, fmt.Errorf("udp announce: %w", err)
	}
	return resp, nil
}

//Scrape asks the tracker for the stats of the specified torrents.
func (t *UDPTrackerURL) Scrape(ctx context.Context, ihashes ...[20]byte) (*ScrapeResp, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := t.scrape(ctx, ihashes...)
	for errors.Is(err, errConnIDExpired) {
		resp, err = t.scrape(ctx, ihashes...)
	}
	if err != nil {
		return nil, fmt.Errorf("udp scrape: %w", err)
	}
	return resp, nil
}

func (t *UDPTrackerURL) connect(ctx context.Context) error {
	if t.isConnected() {
		return nil
	}
	var err error
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn, err = (&net.Dialer{}).DialContext(ctx, "udp", t.host)
	if err != nil {
		return fmt.Errorf("dial tracker: %w", err)
	}
	txID := rand.Int31()
	err = t.writeRequest(connectReq{protoID, actionConnect, txID})
	if err != nil {
		return err
	}
	buf, err := t.readResponse(ctx, respHeader{actionConnect, txID})
	if err != nil {
		return err
	}
	var connID int64
	err = readFromBinary(buf, &connID)
	if err != nil {
		return err
	}
	t.connID = connID
	t.lastConnected = time.Now()
	return nil
}

func (t *UDPTrackerURL) announce(ctx context.Context, req AnnounceReq) (*AnnounceResp, error) {
	err := t.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	txID := rand.Int31()
	err = t.writeRequest(reqHeader{t.connID, actionAnnounce, txID}, req)
	if err != nil {
		return nil, err
	}
	buf, err := t.readResponse(ctx, respHeader{actionAnnounce, txID})
	if err != nil {
		return nil, err
	}
	var fixed announceFixed
	var compact [][6]byte
	err = readFromBinary(buf, &fixed, &compact)
	if err != nil {
		return nil, err
	}
	peers := make([]Peer, len(compact))
	for i, pair := range compact {
		ip := net.IP(pair[:4]).To16()
		if ip == nil {
			return nil, errors.New("compact peers ip parse")
		}
		peers[i].IP = ip
		peers[i].Port = int(binary.BigEndian.Uint16(pair[4:]))
	}
	return &AnnounceResp{fixed.Interval, fixed.Leechers, fixed.Seeders, peers, 0}, nil
}

func (t *UDPTrackerURL) scrape(ctx context.Context, ihashes ...[20]byte) (*ScrapeResp, error) {
	err := t.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	txID := rand.Int31()
	err = t.writeRequest(reqHeader{t.connID, actionScrape, txID}, ihashes)
	if err != nil {
		return nil, err
	}
	buf, err := t.readResponse(ctx, respHeader{actionScrape, txID})
	if err != nil {
		return nil, err
	}
	var infos []udpScrapeInfo
	err = readFromBinary(buf, &infos)
	if err != nil {
		return nil, err
	}
	if len(infos) != len(ihashes) {
		return nil, errors.New("tracker responded with a different number of torrents than requested")
	}
	torrents := make(map[string]TorrentInfo, len(ihashes))
	for i, ihash := range ihashes {
		torrents[string(ihash[:])] = TorrentInfo{infos[i].Seeders, infos[i].Completed, infos[i].Leechers, ""}
	}
	return &ScrapeResp{torrents}, nil
}

//readResponse reads packets until one carries the transaction id we
//expect. On timeout the last request is retransmitted, each timeout
//doubling the wait as the BEP specifies. When waiting for anything but a
//connect response the connection id may expire under us, in which case
//errConnIDExpired tells the caller to connect again.
func (t *UDPTrackerURL) readResponse(ctx context.Context, header respHeader) (*bytes.Buffer, error) {
	buf := make([]byte, 0x1000)
	for {
		dur := t.timeoutTime()
		if dur < 0 {
			t.consecutiveTimeouts = 0
			return nil, errors.New("tracker did not respond after maximum retransmissions")
		}
		err := t.conn.SetReadDeadline(time.Now().Add(dur))
		if err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		var n int
		var readErr error
		ch := make(chan struct{})
		go func() {
			defer close(ch)
			n, readErr = t.conn.Read(buf)
		}()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
		switch terr := readErr.(type) {
		case nil:
		case *net.OpError:
			if !terr.Timeout() {
				return nil, fmt.Errorf("tracker conn read: %w", readErr)
			}
			t.consecutiveTimeouts++
			//the tracker may have forgotten us while we were waiting
			if header.Action != actionConnect && !t.isConnected() {
				return nil, errConnIDExpired
			}
			if err = t.rewriteLastRequest(); err != nil {
				return nil, err
			}
			continue
		default:
			return nil, fmt.Errorf("tracker conn read (%T): %w", terr, readErr)
		}
		t.consecutiveTimeouts = 0
		b := bytes.NewBuffer(buf[:n])
		err = checkRespHeader(b, header)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

func (t *UDPTrackerURL) writeRequest(data ...interface{}) error {
	var b bytes.Buffer
	for _, d := range data {
		if err := writeBinary(&b, d); err != nil {
			return err
		}
	}
	n, err := t.conn.Write(b.Bytes())
	if err != nil {
		return fmt.Errorf("tracker conn write: %w", err)
	}
	if n != b.Len() {
		return errors.New("short write to tracker conn")
	}
	t.lastReq = b.Bytes()
	return nil
}

func (t *UDPTrackerURL) rewriteLastRequest() error {
	n, err := t.conn.Write(t.lastReq)
	if err != nil {
		return fmt.Errorf("tracker conn write: %w", err)
	}
	if n != len(t.lastReq) {
		return errors.New("short write to tracker conn")
	}
	return nil
}

func (t *UDPTrackerURL) isConnected() bool {
	return !t.lastConnected.IsZero() && time.Since(t.lastConnected) < time.Minute
}

//timeoutTime is how long to wait for the next response, 15s doubled on
//every consecutive timeout. Negative means give up.
func (t *UDPTrackerURL) timeoutTime() time.Duration {
	if t.consecutiveTimeouts > 8 {
		return -1
	}
	return time.Duration(math.Pow(2, float64(t.consecutiveTimeouts))) * 15 * time.Second
}

func checkRespHeader(buf *bytes.Buffer, expected respHeader) error {
	small := errors.New("tracker response is too small")
	switch expected.Action {
	case actionConnect:
		if buf.Len() < 16 {
			return small
		}
	case actionAnnounce:
		if buf.Len() < 20 {
			return small
		}
	case actionScrape, actionError:
		if buf.Len() < 8 {
			return small
		}
	default:
		return errors.New("unknown action number")
	}
	var header respHeader
	err := readFromBinary(buf, &header)
	if err != nil {
		return err
	}
	if header.TxID != expected.TxID {
		return errors.New("transaction ids don't match")
	}
	if header.Action == actionError {
		return errors.New("tracker responded with error: " + buf.String())
	}
	if header.Action != expected.Action {
		return errors.New("actions don't match")
	}
	return nil
}

//readFromBinary decodes big endian values into the pointers in data. A
//pointer to a slice with non zero length is filled in place, a pointer
//to an empty slice grows until the reader is drained.
func readFromBinary(r io.Reader, data ...interface{}) error {
	for _, d := range data {
		v := reflect.ValueOf(d)
		if v.Kind() == reflect.Ptr && v.Elem().Kind() == reflect.Slice {
			slc := v.Elem()
			if slc.Len() > 0 {
				for i := 0; i < slc.Len(); i++ {
					if err := binary.Read(r, binary.BigEndian, slc.Index(i).Addr().Interface()); err != nil {
						return fmt.Errorf("read binary: %w", err)
					}
				}
				continue
			}
			e := reflect.New(slc.Type().Elem())
			for {
				err := binary.Read(r, binary.BigEndian, e.Interface())
				if err == io.EOF {
					break
				}
				if err != nil {
					return fmt.Errorf("read binary: %w", err)
				}
				slc = reflect.Append(slc, e.Elem())
			}
			v.Elem().Set(slc)
			continue
		}
		if err := binary.Read(r, binary.BigEndian, d); err != nil {
			return fmt.Errorf("read binary: %w", err)
		}
	}
	return nil
}

//writeBinary encodes values in big endian, flattening slices element by
//element so that variable length trailers can follow a fixed header.
func writeBinary(w io.Writer, data ...interface{}) error {
	for _, d := range data {
		v := reflect.ValueOf(d)
		if v.Kind() == reflect.Slice {
			for i := 0; i < v.Len(); i++ {
				if err := binary.Write(w, binary.BigEndian, v.Index(i).Interface()); err != nil {
					return fmt.Errorf("write binary: %w", err)
				}
			}
			continue
		}
		if err := binary.Write(w, binary.BigEndian, d); err != nil {
			return fmt.Errorf("write binary: %w", err)
		}
	}
	return nil
}
