package torrent

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"net"

	"github.com/anacrolix/missinggo/bitmap"
	"github.com/lkslts64/riptide/peer_wire"
	"github.com/sirupsen/logrus"
)

var errDropped = errors.New("conn was dropped by torrent")

const (
	readChSize = 250
	sendCSize  = 250
	recvCSize  = 250
)

const (
	keepAliveInterval = 2 * time.Minute
	//we won't wait the whole keepAliveInterval before sending a keep alive,
	//we want to be on the safe side.
	keepAliveSlack = 10 * time.Second
	//max time a single write to the socket may take
	writeTimeout = time.Minute
)

const (
	//how long we wait for a block we requested before we give up on all
	//outstanding requests
	requestTimeoutDuration = 15 * time.Second
	//after so many consecutive request timeouts the peer is considered dead
	//weight and we close the connection
	maxRequestTimeouts = 4
)

//jittered so a swarm of conns doesn't wake up at the same time
func keepAliveSendFreq() time.Duration {
	return keepAliveInterval - keepAliveSlack - time.Duration(rand.Int63n(int64(keepAliveSlack)))
}

//conn represents a peer connection.
//This is controled by worker goroutines.
//TODO: peer_wire.Msg should be passed through pointers everywhere
type conn struct {
	cl     *Client
	t      *Torrent
	logger *logrus.Entry
	//tcp connection with peer
	cn    net.Conn
	peer  Peer
	state connState
	//we receive command from Torrent on this channel
	recvC chan interface{}
	//we send events to Torrent from this channel
	sendC chan interface{}
	//closed when this conn is dropped. Torrent selects on this while sending
	//a command so it never blocks on a dead conn.
	droppedC chan struct{}

	keepAliveTimer *time.Timer
	//fires when the peer takes too long to satisfy our requests
	requestTimer      *time.Timer
	requestTimerArmed bool
	requestTimeouts   int

	//the requests we have sent/queued on behalf of Torrent
	rq *requestQueuer
	//pending requests from the peer, reader deduplicates them
	peerReqs   map[block]struct{}
	muPeerReqs sync.Mutex
	//true if we have asked Torrent for blocks and the answer is still pending
	waitingBlocks bool

	//pieces the peer claims to have
	peerBf bitmap.Bitmap
	//pieces we have, mirrors the view Torrent advertises on our behalf
	myBf bitmap.Bitmap
}

//just wraps a msg with an error
type readResult struct {
	msg *peer_wire.Msg
	err error
}

//newConn hands a connInfo to the Torrent and returns a conn ready for
//mainLoop. The torrent's metainfo must be available at this point.
func newConn(t *Torrent, cn net.Conn, peer Peer) *conn {
	c := &conn{
		cl:       t.cl,
		t:        t,
		cn:       cn,
		peer:     peer,
		state:    newConnState(),
		recvC:    make(chan interface{}, recvCSize),
		sendC:    make(chan interface{}, sendCSize),
		droppedC: make(chan struct{}),
		rq:       newRequestQueuer(t.cl.config.MaxOnFlightReqs),
		peerReqs: make(map[block]struct{}),
		logger:   t.logger.WithField("peer", cn.RemoteAddr().String()),
	}
	t.newConnCh <- &connInfo{
		t:        t,
		peer:     peer,
		sendC:    c.sendC,
		recvC:    c.recvC,
		droppedC: c.droppedC,
		state:    newConnState(),
		onFlight: make(map[block]struct{}),
	}
	return c
}

func (c *conn) close() {
	c.cn.Close()
	//notify Torrent that conn closed so it wont try to send commands anymore
	close(c.droppedC)
	//aggregateEvents sees the closed channel and signals the drop after all
	//our events have been consumed
	close(c.sendC)
}

//mainLoop processes commands from Torrent and msgs from the peer until one of
//the two sides gives up on us.
func (c *conn) mainLoop() error {
	var err error
	readC := make(chan *peer_wire.Msg, readChSize)
	readErrC := make(chan error, 1)
	//channel to signal the reader to exit
	quit := make(chan struct{})
	idle := make(chan struct{})
	defer c.close()
	defer close(quit)
	go c.readMsgs(readC, idle, quit, readErrC)
	c.keepAliveTimer = time.NewTimer(keepAliveSendFreq())
	defer c.keepAliveTimer.Stop()
	c.requestTimer = newExpiredTimer()
	defer c.requestTimer.Stop()
	for {
		select {
		//commands have priority
		case cmd := <-c.recvC:
			err = c.gotCommand(cmd)
		default:
			select {
			case cmd := <-c.recvC:
				err = c.gotCommand(cmd)
			case msg := <-readC:
				err = c.parsePeerMsg(msg)
			case err = <-readErrC:
			case <-idle:
				err = errors.New("peer idle")
			case <-c.requestTimer.C:
				err = c.onRequestTimeout()
			case <-c.keepAliveTimer.C:
				err = c.sendKeepAlive()
			case <-c.t.closed:
				err = errDropped
			}
		}
		if err != nil {
			if errors.Is(err, errDropped) {
				err = nil
			} else if c.t.Closed() || errors.Is(err, io.EOF) {
				c.logger.Debug("connection closed")
				err = nil
			} else {
				c.logger.Debugf("connection closed abnormally: %s", err)
			}
			return err
		}
		if c.wantBlocks() {
			c.sendC <- wantBlocks{}
			c.waitingBlocks = true
		}
	}
}

func (c *conn) wantBlocks() bool {
	return c.state.canDownload() && !c.waitingBlocks && c.rq.needMore()
}

//readMsgs reads msgs from the peer and forwards them to the main goroutine.
//Request/Cancel msgs are absorbed here so an upload cannot be serviced after
//the peer took it back.
func (c *conn) readMsgs(readC chan<- *peer_wire.Msg, idle, quit chan struct{}, errC chan<- error) {
	readDone := make(chan readResult, 1)
	for {
		//we won't block on read forever because conn.close closes the socket
		go func() {
			msg, err := peer_wire.Decode(c.cn)
			readDone <- readResult{msg, err}
		}()
		select {
		case <-time.After(keepAliveInterval + time.Minute):
			close(idle)
			return
		case <-quit:
			return
		case res := <-readDone:
			if res.err != nil {
				errC <- res.err
				return
			}
			var sendToChan bool
			switch res.msg.Kind {
			case peer_wire.Request:
				b := reqMsgToBlock(res.msg)
				c.muPeerReqs.Lock()
				//avoid flooding readC by not forwarding requests that are
				//already pending or more than we are willing to serve
				if _, ok := c.peerReqs[b]; !ok && len(c.peerReqs) < reqq {
					c.peerReqs[b] = struct{}{}
					sendToChan = true
				}
				c.muPeerReqs.Unlock()
			case peer_wire.Cancel:
				b := reqMsgToBlock(res.msg)
				c.muPeerReqs.Lock()
				if _, ok := c.peerReqs[b]; ok {
					delete(c.peerReqs, b)
				} else {
					//peer canceled a request after we satisfied it
					c.cl.counters.Add("latecomerCancels", 1)
				}
				c.muPeerReqs.Unlock()
			case peer_wire.KeepAlive:
			default:
				sendToChan = true
			}
			if sendToChan {
				select {
				case readC <- res.msg:
				case <-quit:
					return
				}
			}
		}
	}
}

func (c *conn) gotCommand(cmd interface{}) (err error) {
	switch v := cmd.(type) {
	case *peer_wire.Msg:
		switch v.Kind {
		case peer_wire.Interested:
			c.state.amInterested = true
		case peer_wire.NotInterested:
			c.state.amInterested = false
			c.discardBlocks()
		case peer_wire.Choke:
			c.state.amChoking = true
			c.clearPeerReqs()
		case peer_wire.Unchoke:
			c.state.amChoking = false
		case peer_wire.Have:
			c.myBf.Set(int(v.Index), true)
			if c.peerBf.Get(int(v.Index)) {
				//peer has the piece, a Have would be of no use
				return
			}
		case peer_wire.Cancel:
			send, ok := c.rq.remove(reqMsgToBlock(v))
			if !ok || !send {
				//nothing on the wire for this block
				return
			}
		}
		err = c.sendMsg(v)
	case []block:
		c.waitingBlocks = false
		err = c.requestBlocks(v)
	case bitmap.Bitmap:
		c.myBf = v
		err = c.sendMsg(&peer_wire.Msg{
			Kind: peer_wire.Bitfield,
			Bf:   c.encodeBitMap(c.myBf),
		})
	case requestsAvailable:
		//we may have asked for blocks in the past without success,
		//time to ask again
		c.waitingBlocks = false
	case discardRequests:
		c.discardBlocks()
	case drop:
		err = errDropped
	}
	return
}

func (c *conn) requestBlocks(blocks []block) error {
	for _, bl := range blocks {
		ready, ok := c.rq.queue(bl)
		if !ok {
			panic("received blocks but can't queue them")
		}
		if ready {
			if err := c.sendMsg(bl.reqMsg()); err != nil {
				return err
			}
		}
	}
	c.armRequestTimer()
	return nil
}

//------------request timer management--------------

func (c *conn) armRequestTimer() {
	if c.requestTimerArmed || c.rq.empty() {
		return
	}
	c.requestTimer.Reset(requestTimeoutDuration)
	c.requestTimerArmed = true
}

func (c *conn) stopRequestTimer() {
	if !c.requestTimer.Stop() {
		select {
		case <-c.requestTimer.C:
		default:
		}
	}
	c.requestTimerArmed = false
}

func (c *conn) onRequestTimeout() error {
	c.requestTimerArmed = false
	c.requestTimeouts++
	if c.requestTimeouts >= maxRequestTimeouts {
		return fmt.Errorf("peer timed out %d times in a row", c.requestTimeouts)
	}
	c.logger.Debug("requests timed out, discarding them")
	c.discardBlocks()
	return nil
}

//------------------------------------------------

func (c *conn) sendKeepAlive() error {
	err := (&peer_wire.Msg{
		Kind: peer_wire.KeepAlive,
	}).Write(c.cn)
	if err != nil {
		return err
	}
	c.keepAliveTimer.Reset(keepAliveSendFreq())
	return nil
}

func (c *conn) sendMsg(msg *peer_wire.Msg) error {
	//is mandatory to sent a bitfield or Have msgs first
	if !c.keepAliveTimer.Stop() {
		//timer has fired, reset it and send a keep alive to avoid corner cases
		<-c.keepAliveTimer.C
		err := (&peer_wire.Msg{
			Kind: peer_wire.KeepAlive,
		}).Write(c.cn)
		if err != nil {
			return err
		}
	}
	c.keepAliveTimer.Reset(keepAliveSendFreq())
	c.cn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := msg.Write(c.cn)
	if err != nil {
		return err
	}
	return nil
}

func (c *conn) parsePeerMsg(msg *peer_wire.Msg) (err error) {
	stateChange := func(currState, futureState bool) bool {
		if currState == futureState {
			return false
		}
		c.sendC <- msg
		return true
	}
	switch msg.Kind {
	case peer_wire.KeepAlive, peer_wire.Port:
	case peer_wire.Interested:
		stateChange(c.state.isInterested, true)
		c.state.isInterested = true
	case peer_wire.NotInterested:
		stateChange(c.state.isInterested, false)
		c.state.isInterested = false
	case peer_wire.Choke:
		if stateChange(c.state.isChoking, true) {
			c.discardBlocks()
		}
		c.state.isChoking = true
	case peer_wire.Unchoke:
		stateChange(c.state.isChoking, false)
		c.state.isChoking = false
	case peer_wire.Piece:
		err = c.onPieceMsg(msg)
	case peer_wire.Request:
		err = c.upload(msg)
	case peer_wire.Have:
		if c.peerBf.Get(int(msg.Index)) {
			err = errors.New("peer send duplicate Have msg of piece")
			break
		}
		if !c.t.pieceValid(int(msg.Index)) {
			err = errors.New("peer send Have msg of piece that doesn't exist")
			break
		}
		c.peerBf.Set(int(msg.Index), true)
		c.sendC <- msg
	case peer_wire.Bitfield:
		if !c.peerBf.IsEmpty() {
			err = errors.New("peer send bitfield twice or after have msgs")
			break
		}
		var peerBf bitmap.Bitmap
		peerBf, err = c.decodeBitfield(msg.Bf)
		if err != nil {
			break
		}
		c.peerBf = peerBf
		c.sendC <- c.peerBf.Copy()
	default:
		err = fmt.Errorf("unknown msg kind received: %d", msg.Kind)
	}
	return
}

//upload satisfies a peer's request as long as the request is consistent with
//what we have advertised.
func (c *conn) upload(msg *peer_wire.Msg) error {
	bl := reqMsgToBlock(msg)
	if c.isCanceled(bl) {
		return nil
	}
	//ensure we delete the request in every case
	defer func() {
		c.muPeerReqs.Lock()
		defer c.muPeerReqs.Unlock()
		delete(c.peerReqs, bl)
	}()
	if !c.state.canUpload() {
		//maybe we have choked the peer, but the choke msg hasn't been received
		//yet by them. Ignore the request.
		c.logger.Debug("peer send requested and we are choking them")
		return nil
	}
	if msg.Len > maxRequestBlockSz {
		return fmt.Errorf("request length out of range: %d", msg.Len)
	}
	//check that we have the requested piece
	if !c.myBf.Get(bl.pc) {
		return fmt.Errorf("peer requested piece we do not have: %d", bl.pc)
	}
	//ensure the request is in the piece's bounds
	endOff := bl.off + bl.len
	if endOff > c.t.pieceLen(bl.pc) {
		return fmt.Errorf("peer request exceeded piece's len with endOff: %d", endOff)
	}
	data := make([]byte, bl.len)
	if err := c.t.readBlock(data, bl.pc, bl.off); err != nil {
		c.logger.Debugf("storage read failed: %s", err)
		return nil
	}
	if err := c.sendMsg(&peer_wire.Msg{
		Kind:  peer_wire.Piece,
		Index: msg.Index,
		Begin: msg.Begin,
		Block: data,
	}); err != nil {
		return err
	}
	c.sendC <- uploadedBlock(bl)
	return nil
}

func (c *conn) isCanceled(b block) bool {
	c.muPeerReqs.Lock()
	defer c.muPeerReqs.Unlock()
	_, ok := c.peerReqs[b]
	return !ok
}

func (c *conn) clearPeerReqs() {
	c.muPeerReqs.Lock()
	defer c.muPeerReqs.Unlock()
	c.peerReqs = make(map[block]struct{})
}

//onPieceMsg hands the block over to the disk pipeline if we are expecting it.
//Blocks we never asked for are tolerated but dropped.
func (c *conn) onPieceMsg(msg *peer_wire.Msg) error {
	bl := block{
		pc:  int(msg.Index),
		off: int(msg.Begin),
		len: len(msg.Block),
	}
	c.requestTimeouts = 0
	c.stopRequestTimer()
	ready, ok := c.rq.deleteCompleted(bl)
	if !ok {
		//all substantial validations happen here since we don't wait this block
		if !c.t.pieceValid(bl.pc) {
			return errors.New("peer send piece doesn't exist")
		}
		c.logger.Debugf("received not expected block: %v", bl)
		if bl.off%c.t.blockRequestSize != 0 {
			//peer's block messaging is not against our request pattern,
			//nothing to do with it
			return nil
		}
		if endOff := bl.off + bl.len; endOff > c.t.pieceLen(bl.pc) {
			return fmt.Errorf("peer send block exceeding piece's len with endOff: %d", endOff)
		}
		return nil
	}
	if ready != (block{}) && c.state.canDownload() {
		if err := c.sendMsg(ready.reqMsg()); err != nil {
			return err
		}
	}
	c.armRequestTimer()
	c.t.diskIO.blockC <- blockData{bl: bl, data: msg.Block}
	c.sendC <- downloadedBlock(bl)
	return nil
}

//discardBlocks returns to Torrent the requests we were not able to satisfy
func (c *conn) discardBlocks() {
	if !c.rq.empty() {
		unsatisfiedRequests := c.rq.discardAll()
		c.sendC <- discardedRequests{unsatisfiedRequests}
	}
	c.stopRequestTimer()
}

func (c *conn) encodeBitMap(bm bitmap.Bitmap) (bf peer_wire.BitField) {
	bf = peer_wire.NewBitField(c.t.numPieces())
	bm.IterTyped(func(piece int) bool {
		bf.SetPiece(piece)
		return true
	})
	return
}

func (c *conn) decodeBitfield(bf peer_wire.BitField) (bitmap.Bitmap, error) {
	var bm bitmap.Bitmap
	if !bf.Valid(c.t.numPieces()) {
		return bm, errors.New("bitfield length doesn't fit with the torrent's pieces")
	}
	//spare bits are zero so this yields in-range indices only
	for _, i := range bf.FilterNotSet() {
		bm.Set(i, true)
	}
	return bm, nil
}

//block is a peer_wire.Request message from our perspective
type block struct {
	pc  int
	off int
	len int
}

func (b *block) reqMsg() *peer_wire.Msg {
	return &peer_wire.Msg{
		Kind:  peer_wire.Request,
		Index: uint32(b.pc),
		Begin: uint32(b.off),
		Len:   uint32(b.len),
	}
}

func (b *block) cancelMsg() *peer_wire.Msg {
	return &peer_wire.Msg{
		Kind:  peer_wire.Cancel,
		Index: uint32(b.pc),
		Begin: uint32(b.off),
		Len:   uint32(b.len),
	}
}

func reqMsgToBlock(msg *peer_wire.Msg) block {
	bl := block{
		pc:  int(msg.Index),
		off: int(msg.Begin),
		len: int(msg.Len),
	}
	if msg.Kind == peer_wire.Piece {
		bl.len = len(msg.Block)
	}
	return bl
}
