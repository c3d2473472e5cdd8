package torrent

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/anacrolix/missinggo/bitmap"
	"github.com/dustin/go-humanize"
	"github.com/lkslts64/riptide/metainfo"
	"github.com/lkslts64/riptide/peer_wire"
	"github.com/lkslts64/riptide/torrent/storage"
	"github.com/lkslts64/riptide/tracker"
	"github.com/sirupsen/logrus"
)

const (
	//the wire protocol doesn't bound request lengths but popular clients
	//reject anything above this
	maxRequestBlockSz = 1 << 14
	//the number of requests from a peer we are willing to queue,
	//mirrors what the popular clients advertise
	reqq = 250
	//when we have fewer, we ask the tracker for more peers
	wantPeersThreshold = 30
	//currently open TCP dials at a time
	maxHalfOpenConns = 50
	//a peer whose bad piece contributions exceed the good ones by this gets
	//dropped and banned
	maxMaliciousness = 2
)

//TorrentState is the lifecycle phase of a Torrent.
type TorrentState byte

const (
	//the Torrent was added to the client but no data transfer has started
	Initializing TorrentState = iota
	//missing pieces are being downloaded
	Downloading
	//we own all the pieces and upload to whoever is interested
	Seeding
	//the Torrent closed
	Stopped
)

func (s TorrentState) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

//Torrent represents a standalone BitTorrent session. All its state is managed
//by a single master goroutine (mainLoop) which coordinates the conns through
//channels, so nothing here needs locks. Other goroutines access the state via
//a torrentLocker which freezes the master for a while.
type Torrent struct {
	cl     *Client
	logger *logrus.Logger
	//the master receives all conn events aggregated on this channel
	events chan event
	//freshly established conns introduce themselves here
	newConnCh chan *connInfo
	//verdicts of the disk goroutine
	pieceHashedCh chan pieceHashed

	//conns the master currently coordinates
	conns                     []*connInfo
	maxEstablishedConnections int
	//peers we are currently dialing, keyed by address
	halfOpenConns map[string]Peer
	//peers we know about but haven't dialed yet
	peers []Peer
	//addresses of peers that fed us corrupted data
	banned map[string]struct{}

	pieces  *pieces
	choker  *choker
	storage storage.Storage
	diskIO  *diskIO

	mi     *metainfo.MetaInfo
	length int
	//size of the blocks we request. Almost always maxRequestBlockSz.
	blockRequestSize int

	stats Stats
	state TorrentState

	downloadEnabled bool
	uploadEnabled   bool
	//true from the moment we own all pieces and ever after
	seeding bool

	//a goroutine that wants to freeze the master sends a channel here and
	//closes it when it is done with the torrent's state
	lockC chan chan struct{}
	//closed when the torrent is about to close
	closed chan struct{}
	//closed when the master completed the teardown, storage included
	teardownDoneC chan struct{}
	//the reason the session died, set before closed is closed
	fatalErr  error
	fatalErrC chan error

	//InfoC is closed when the torrent's info is available. Currently that
	//happens at creation time.
	InfoC chan struct{}
	//DownloadedDataC is closed when all pieces have been downloaded,
	//verified and written to storage.
	DownloadedDataC chan struct{}

	trackerAnnouncerTimer         *time.Timer
	trackerAnnouncerResponseCh    chan trackerAnnouncerResponse
	trackerAnnouncerSubmitEventCh chan trackerAnnouncerEvent
	//true when enough time has passed since the last announce
	canAnnounce      bool
	numAnnounces     int
	numAnnouncesSend int
	lastAnnounceResp *tracker.AnnounceResp
}

func newTorrent(cl *Client) *Torrent {
	t := &Torrent{
		cl:                        cl,
		logger:                    cl.logger,
		maxEstablishedConnections: cl.config.MaxEstablishedConns,
		events:                    make(chan event, cl.config.MaxEstablishedConns*sendCSize),
		newConnCh:                 make(chan *connInfo, cl.config.MaxEstablishedConns),
		halfOpenConns:             make(map[string]Peer),
		banned:                    make(map[string]struct{}),
		lockC:                     make(chan chan struct{}),
		closed:                    make(chan struct{}),
		teardownDoneC:             make(chan struct{}),
		fatalErrC:                 make(chan error, 1),
		InfoC:                     make(chan struct{}),
		DownloadedDataC:           make(chan struct{}),
		canAnnounce:               true,
		state:                     Initializing,
	}
	t.trackerAnnouncerTimer = newExpiredTimer()
	t.trackerAnnouncerResponseCh = make(chan trackerAnnouncerResponse, 1)
	t.trackerAnnouncerSubmitEventCh = cl.announcer.submitEventC
	t.choker = newChoker(t)
	return t
}

//gotInfo sets up everything that depends on the torrent's info: the piece
//picker, the storage and the disk goroutine. If the storage reports that all
//the data is already there we become seeders right away.
func (t *Torrent) gotInfo() error {
	t.length = t.mi.Info.TotalLength()
	t.blockRequestSize = t.blockSize()
	t.stats = Stats{
		BytesLeft:   t.length,
		TotalPieces: t.numPieces(),
	}
	t.pieces = newPieces(t)
	t.pieceHashedCh = make(chan pieceHashed, t.numPieces())
	var (
		seed bool
		err  error
	)
	t.storage, seed, err = t.cl.config.OpenStorage(t.mi, t.cl.config.BaseDir, t.logger)
	if err != nil {
		return err
	}
	t.diskIO = newDiskIO(t)
	go t.diskIO.run()
	if seed {
		for i := 0; i < t.numPieces(); i++ {
			t.pieces.pieceVerified(i)
			t.stats.onPieceDownload(t.pieceLen(i))
		}
		t.startSeeding()
	}
	close(t.InfoC)
	return nil
}

//mainLoop is the master of the torrent: it processes conn events, piece
//verdicts and lock requests until the torrent closes, then it waits for all
//conns to die before it releases the storage.
func (t *Torrent) mainLoop() {
	t.choker.startTicker()
	defer t.choker.ticker.Stop()
	defer t.trackerAnnouncerTimer.Stop()
	for {
		select {
		case e := <-t.events:
			t.gotEvent(e)
		case res := <-t.pieceHashedCh:
			t.onPieceHashed(res)
		case ci := <-t.newConnCh:
			if !t.addConn(ci) {
				t.logger.Debugf("rejected connection with peer %s", ci.peer.P.String())
			}
		case <-t.choker.ticker.C:
			t.choker.reviewUnchokedPeers()
		case tresp := <-t.trackerAnnouncerResponseCh:
			t.trackerAnnounced(tresp)
		case <-t.trackerAnnouncerTimer.C:
			t.canAnnounce = true
			if t.wantPeers() {
				t.sendAnnounceEvent(tracker.None)
			}
		case err := <-t.fatalErrC:
			t.fatalErr = err
			t.logger.Errorf("torrent session failed: %s", err)
			t.close()
		case done := <-t.lockC:
			//a locker owns our state until it signals back
			<-done
		}
		if t.Closed() {
			break
		}
	}
	t.teardown()
}

//teardown keeps serving events until every conn has learned about the closing
//and died, then stops the disk goroutine and releases the storage.
func (t *Torrent) teardown() {
	defer close(t.teardownDoneC)
	for len(t.conns) > 0 {
		select {
		case e := <-t.events:
			t.gotEvent(e)
		case ci := <-t.newConnCh:
			//too late, the party is over
			ci.sendCommand(drop{})
		case <-t.pieceHashedCh:
		}
	}
	if t.diskIO != nil {
		close(t.diskIO.quitC)
		<-t.diskIO.doneC
	}
	if t.storage != nil {
		if err := t.storage.Close(); err != nil {
			t.logger.Errorf("failed to close storage: %s", err)
		}
	}
	t.cl.dropTorrent(t.mi.Info.Hash)
}

//close signals everyone that the torrent is going away. It is invoked either
//by the master itself or by a goroutine that has frozen the master, so no
//synchronization is needed. The master completes the teardown afterwards.
func (t *Torrent) close() {
	if t.numAnnouncesSend > 0 {
		t.sendAnnounceEvent(tracker.Stopped)
	}
	t.broadcastCommand(drop{})
	t.downloadEnabled = false
	t.uploadEnabled = false
	if t.pieces != nil {
		t.pieces.setDownloadAllowed(false)
	}
	t.state = Stopped
	close(t.closed)
}

func (t *Torrent) gotEvent(e event) {
	switch v := e.val.(type) {
	case *peer_wire.Msg:
		switch v.Kind {
		case peer_wire.Interested:
			e.conn.state.isInterested = true
			e.conn.startedUploading()
		case peer_wire.NotInterested:
			if !e.conn.state.amChoking && e.conn.state.isInterested {
				e.conn.stoppedUploading()
			}
			e.conn.state.isInterested = false
		case peer_wire.Choke:
			if e.conn.state.amInterested && !e.conn.state.isChoking {
				e.conn.stoppedDownloading()
			}
			e.conn.state.isChoking = true
		case peer_wire.Unchoke:
			e.conn.state.isChoking = false
			e.conn.startedDownloading()
		case peer_wire.Have:
			e.conn.peerBf.Set(int(v.Index), true)
			t.pieces.pieceRarityInc(int(v.Index))
			e.conn.reviewInterestsOnHave(int(v.Index))
		}
	case bitmap.Bitmap:
		e.conn.peerBf = v
		t.pieces.bitmapRarityInc(v)
		e.conn.reviewInterestsOnBitfield()
	case wantBlocks:
		t.sendBlockBatch(e.conn)
	case downloadedBlock:
		t.blockDownloaded(e.conn, block(v))
	case uploadedBlock:
		t.blockUploaded(e.conn, block(v))
	case discardedRequests:
		t.discardedRequests(e.conn, v.reqs)
	case connDropped:
		t.droppedConn(e.conn)
	}
}

//aggregateEvents forwards the conn's events to the master's single events
//channel. After the conn closes its side, the drop is signaled.
func (t *Torrent) aggregateEvents(ci *connInfo) {
	for e := range ci.sendC {
		t.events <- event{ci, e}
	}
	t.events <- event{ci, connDropped{}}
}

func (t *Torrent) broadcastCommand(cmd interface{}) {
	for _, ci := range t.conns {
		ci.sendCommand(cmd)
	}
}

//sendBlockBatch answers a conn's wantBlocks event. If we have nothing for
//this conn right now we stay silent, the conn will hear requestsAvailable
//when new requests show up.
func (t *Torrent) sendBlockBatch(ci *connInfo) {
	reqs := make([]block, t.cl.config.MaxOnFlightReqs)
	n := t.pieces.getRequests(ci.peerBf, reqs)
	reqs = reqs[:n]
	if t.pieces.endgame {
		reqs = t.capEndgameBatch(ci, reqs)
	}
	if len(reqs) == 0 {
		return
	}
	for _, b := range reqs {
		ci.onFlight[b] = struct{}{}
	}
	ci.sendCommand(reqs)
	t.maybeStartEndgame()
}

//capEndgameBatch drops blocks the conn administers already and blocks that
//enough other conns are downloading at this moment.
func (t *Torrent) capEndgameBatch(ci *connInfo, reqs []block) []block {
	filtered := reqs[:0]
	for _, b := range reqs {
		if _, ok := ci.onFlight[b]; ok {
			continue
		}
		var holders int
		for _, c := range t.conns {
			if _, ok := c.onFlight[b]; ok {
				holders++
			}
		}
		if holders >= t.cl.config.EndgameMaxDuplicates {
			continue
		}
		filtered = append(filtered, b)
	}
	return filtered
}

func (t *Torrent) maybeStartEndgame() {
	if t.pieces.shouldEnterEndgame() {
		t.logger.Debug("entering end game mode")
		t.pieces.setupEndgame()
		t.broadcastCommand(requestsAvailable{})
	}
}

func (t *Torrent) blockDownloaded(c *connInfo, b block) {
	c.stats.onBlockDownload(b.len)
	t.stats.blockDownloaded(b.len)
	delete(c.onFlight, b)
	if !t.pieces.makeBlockComplete(b.pc, b.off, c) {
		//end game duplicate, another conn delivered the block first
		return
	}
	if t.pieces.endgame {
		t.cancelOtherConns(c, b)
	}
}

//cancelOtherConns takes the block back from every conn that is downloading it
//except except.
func (t *Torrent) cancelOtherConns(except *connInfo, b block) {
	for _, c := range t.conns {
		if c == except {
			continue
		}
		if _, ok := c.onFlight[b]; ok {
			c.sendCommand(b.cancelMsg())
			delete(c.onFlight, b)
		}
	}
}

func (t *Torrent) blockUploaded(c *connInfo, b block) {
	c.stats.onBlockUpload(b.len)
	t.stats.blockUploaded(b.len)
}

func (t *Torrent) discardedRequests(c *connInfo, reqs []block) {
	for _, b := range reqs {
		delete(c.onFlight, b)
	}
	t.pieces.discardRequests(reqs)
	t.broadcastCommand(requestsAvailable{})
}

func (t *Torrent) onPieceHashed(res pieceHashed) {
	if t.pieces.ownedPieces.Get(res.pieceIndex) {
		//end game duplicates may assemble a piece twice
		return
	}
	switch {
	case res.ok && res.writeErr == nil:
		t.pieces.pieceVerified(res.pieceIndex)
		t.onPieceDownload(res.pieceIndex)
	case res.ok && res.writeErr != nil:
		//the data was good but the disk failed us, the piece has to be
		//downloaded again
		t.pieces.revertPiece(res.pieceIndex)
		t.broadcastCommand(requestsAvailable{})
	default:
		t.logger.Warnf("piece %d failed hash verification", res.pieceIndex)
		contributors := t.pieces.pieceVerificationFailed(res.pieceIndex)
		for _, c := range contributors {
			if c.stats.maliciousness() >= maxMaliciousness {
				t.banPeer(c)
			}
		}
		t.broadcastCommand(requestsAvailable{})
	}
}

//banPeer drops the conn and ensures we will never talk to this address again
func (t *Torrent) banPeer(c *connInfo) {
	addr := c.peer.P.String()
	t.banned[addr] = struct{}{}
	c.sendCommand(drop{})
	t.logger.Warnf("banned peer %s for sending corrupted data", addr)
}

func (t *Torrent) onPieceDownload(i int) {
	t.stats.onPieceDownload(t.pieceLen(i))
	t.reviewInterestsOnPieceDownload(i)
	t.sendHaves(i)
	if t.pieces.haveAll() {
		t.sendAnnounceEvent(tracker.Completed)
		t.startSeeding()
	}
}

func (t *Torrent) reviewInterestsOnPieceDownload(i int) {
	if t.seeding {
		return
	}
	for _, c := range t.conns {
		if c.peerBf.Get(i) {
			c.numWant--
			if c.numWant <= 0 {
				c.notInterested()
			}
		}
	}
}

func (t *Torrent) sendHaves(i int) {
	for _, c := range t.conns {
		c.have(i)
	}
}

//startSeeding fires at most once, when we find ourselves owning all the
//pieces (after the last verification or at storage open).
func (t *Torrent) startSeeding() {
	if t.seeding {
		return
	}
	t.seeding = true
	t.state = Seeding
	t.logger.Infof("downloaded all pieces of %q, seeding from now on", t.mi.Info.Name)
	for _, c := range t.conns {
		c.notInterested()
		if c.notUseful() {
			c.sendCommand(drop{})
		}
	}
	close(t.DownloadedDataC)
}

//------------------------conn management-------------------------

func (t *Torrent) addConn(ci *connInfo) bool {
	if !t.transferStarted() || len(t.conns) >= t.maxEstablishedConnections {
		ci.sendCommand(drop{})
		return false
	}
	if _, ok := t.banned[ci.peer.P.String()]; ok {
		ci.sendCommand(drop{})
		return false
	}
	t.conns = append(t.conns, ci)
	go t.aggregateEvents(ci)
	if t.pieces.ownedPieces.Len() > 0 {
		ci.sendBitfield()
	}
	if !t.cl.config.DisableDHT && t.cl.dhtServer != nil {
		ci.sendPort()
	}
	return true
}

//droppedConn removes the conn from the master's bookkeeping and gives the
//blocks it administered back to the picker, exactly once.
func (t *Torrent) droppedConn(ci *connInfo) bool {
	index, ok := t.connIndex(ci)
	if !ok {
		return false
	}
	t.removeConn(index)
	blocks := make([]block, 0, len(ci.onFlight))
	for b := range ci.onFlight {
		blocks = append(blocks, b)
	}
	ci.onFlight = make(map[block]struct{})
	t.pieces.discardRequests(blocks)
	if len(blocks) > 0 {
		t.broadcastCommand(requestsAvailable{})
	}
	t.pieces.bitmapRarityDec(ci.peerBf)
	if t.canAnnounce && t.wantPeers() {
		t.sendAnnounceEvent(tracker.None)
	}
	return true
}

func (t *Torrent) connIndex(ci *connInfo) (int, bool) {
	for i, cn := range t.conns {
		if cn == ci {
			return i, true
		}
	}
	return -1, false
}

func (t *Torrent) removeConn(index int) {
	t.conns = append(t.conns[:index], t.conns[index+1:]...)
}

func (t *Torrent) connectedToPeer(addr string) bool {
	for _, ci := range t.conns {
		if ci.peer.P.String() == addr {
			return true
		}
	}
	return false
}

//------------------------peer management-------------------------

//gotPeers queues peers we haven't seen before for dialing
func (t *Torrent) gotPeers(peers []Peer) {
	for _, p := range peers {
		addr := p.P.String()
		if _, ok := t.banned[addr]; ok {
			continue
		}
		if t.knownPeer(addr) {
			continue
		}
		t.peers = append(t.peers, p)
	}
	t.dialConns()
}

//knownPeer tells if the peer is connected, currently dialed or queued
func (t *Torrent) knownPeer(addr string) bool {
	if _, ok := t.halfOpenConns[addr]; ok {
		return true
	}
	if t.connectedToPeer(addr) {
		return true
	}
	for _, p := range t.peers {
		if p.P.String() == addr {
			return true
		}
	}
	return false
}

func (t *Torrent) dialConns() {
	for len(t.peers) > 0 && len(t.halfOpenConns) < maxHalfOpenConns && t.wantConns() {
		p := t.peers[0]
		t.peers = t.peers[1:]
		addr := p.P.String()
		if _, ok := t.halfOpenConns[addr]; ok {
			continue
		}
		if t.connectedToPeer(addr) {
			continue
		}
		t.halfOpenConns[addr] = p
		d := &dialer{
			cl:   t.cl,
			t:    t,
			peer: p,
		}
		go func() {
			c, err := d.dial()
			if err != nil {
				return
			}
			c.mainLoop()
		}()
	}
}

//removeHalfOpen is invoked by every dialing goroutine, successful or not, to
//clear its reservation.
func (t *Torrent) removeHalfOpen(addr string) {
	l := t.newLocker()
	l.lock()
	defer l.unlock()
	if l.closed {
		return
	}
	delete(t.halfOpenConns, addr)
	t.dialConns()
}

//swarm returns all the peers the torrent knows about
func (t *Torrent) swarm() (peers []Peer) {
	for _, ci := range t.conns {
		peers = append(peers, ci.peer)
	}
	for _, p := range t.halfOpenConns {
		peers = append(peers, p)
	}
	peers = append(peers, t.peers...)
	return
}

func (t *Torrent) wantConns() bool {
	return t.transferStarted() && len(t.conns) < t.maxEstablishedConnections
}

func (t *Torrent) wantPeers() bool {
	return t.transferStarted() &&
		len(t.conns)+len(t.halfOpenConns)+len(t.peers) < wantPeersThreshold
}

func (t *Torrent) transferStarted() bool {
	return t.downloadEnabled || t.uploadEnabled
}

//startTransfer begins the actual data exchange with the swarm. Invoked with
//the master frozen.
func (t *Torrent) startTransfer() error {
	if t.transferStarted() {
		return errTorrentTransferring
	}
	t.downloadEnabled = true
	t.uploadEnabled = true
	if !t.haveAll() {
		t.state = Downloading
		t.pieces.setDownloadAllowed(true)
	}
	t.tryAnnounce()
	if !t.cl.config.DisableDHT && t.cl.dhtServer != nil {
		go t.dhtAnnounce()
	}
	t.dialConns()
	return nil
}

//setDataDownloadEnabled pauses or resumes the requesting of blocks. Uploads
//are not affected.
func (t *Torrent) setDataDownloadEnabled(v bool) error {
	if !t.transferStarted() {
		return errTorrentNotStarted
	}
	if t.downloadEnabled == v {
		return nil
	}
	t.downloadEnabled = v
	t.pieces.setDownloadAllowed(v)
	if v {
		t.broadcastCommand(requestsAvailable{})
	} else {
		t.broadcastCommand(discardRequests{})
	}
	return nil
}

//--------------------------announces------------------------------

func (t *Torrent) tryAnnounce() {
	if t.canAnnounce {
		t.sendAnnounceEvent(tracker.None)
	}
}

func (t *Torrent) sendAnnounceEvent(e tracker.Event) {
	if t.cl.config.DisableTrackers || t.mi.Announce == "" {
		return
	}
	t.numAnnouncesSend++
	t.canAnnounce = false
	select {
	case t.trackerAnnouncerSubmitEventCh <- trackerAnnouncerEvent{t, e, t.stats}:
	case <-t.cl.close:
	}
}

func (t *Torrent) trackerAnnounced(tresp trackerAnnouncerResponse) {
	t.numAnnounces++
	if tresp.err != nil {
		t.logger.Warnf("tracker announce failed: %s", tresp.err)
		//try again in a while
		t.resetNextAnnounce(60)
		return
	}
	t.lastAnnounceResp = tresp.resp
	t.resetNextAnnounce(tresp.resp.Interval)
	peers := make([]Peer, 0, len(tresp.resp.Peers))
	for _, p := range tresp.resp.Peers {
		peers = append(peers, Peer{
			P:      p,
			source: SourceTracker,
		})
	}
	if len(peers) > 0 {
		t.gotPeers(peers)
	}
}

func (t *Torrent) resetNextAnnounce(interval int32) {
	if interval <= 0 {
		interval = 60
	}
	if !t.trackerAnnouncerTimer.Stop() {
		select {
		case <-t.trackerAnnouncerTimer.C:
		default:
		}
	}
	t.trackerAnnouncerTimer.Reset(time.Duration(interval) * time.Second)
}

//dhtAnnounce announces us to the DHT network and feeds whatever peers the
//traversal finds back to the master.
func (t *Torrent) dhtAnnounce() {
	if t.cl.dhtServer == nil {
		return
	}
	a, err := t.cl.dhtServer.Announce(t.mi.Info.Hash, t.cl.port, true)
	if err != nil {
		t.logger.Warnf("dht announce failed: %s", err)
		return
	}
	defer a.Close()
	for {
		select {
		case pv, ok := <-a.Peers:
			if !ok {
				return
			}
			peers := make([]Peer, 0, len(pv.Peers))
			for _, p := range pv.Peers {
				peers = append(peers, Peer{
					P: tracker.Peer{
						IP:   p.IP,
						Port: p.Port,
					},
					source: SourceDHT,
				})
			}
			if len(peers) > 0 {
				t.AddPeers(peers...)
			}
		case <-t.closed:
			return
		}
	}
}

//---------------------------helpers-------------------------------

//readBlock reads a block from storage on behalf of a conn that uploads
func (t *Torrent) readBlock(data []byte, piece, off int) error {
	begin := int64(piece)*int64(t.mi.Info.PieceLen) + int64(off)
	n, err := t.storage.ReadBlock(data, begin)
	if n != len(data) {
		t.logger.Debugf("read %d bytes of block instead of %d", n, len(data))
	}
	return err
}

func (t *Torrent) haveAll() bool {
	return t.pieces.haveAll()
}

func (t *Torrent) numPieces() int {
	return t.mi.Info.NumPieces()
}

//pieceLen is the length of piece i in bytes, the last piece is usually
//shorter than the others
func (t *Torrent) pieceLen(i int) int {
	if i == t.numPieces()-1 {
		if last := t.length % t.mi.Info.PieceLen; last != 0 {
			return last
		}
	}
	return t.mi.Info.PieceLen
}

func (t *Torrent) pieceValid(i int) bool {
	return i >= 0 && i < t.numPieces()
}

//blockSize is the size of the blocks we request with, it never exceeds the
//torrent's piece length
func (t *Torrent) blockSize() int {
	if maxRequestBlockSz > t.mi.Info.PieceLen {
		return t.mi.Info.PieceLen
	}
	return maxRequestBlockSz
}

func (t *Torrent) writeStatus(w io.Writer) {
	fmt.Fprintf(w, "Name: %s\n", t.mi.Info.Name)
	fmt.Fprintf(w, "Mode: %s\n", t.state)
	if t.lastAnnounceResp != nil {
		fmt.Fprintf(w, "Tracker: %s\tSeeders: %d\tLeechers: %d\n", t.mi.Announce,
			t.lastAnnounceResp.Seeders, t.lastAnnounceResp.Leechers)
	}
	fmt.Fprintf(w, "Downloaded: %s\tUploaded: %s\tRemaining: %s\n",
		humanize.Bytes(uint64(t.stats.BytesDownloaded)),
		humanize.Bytes(uint64(t.stats.BytesUploaded)),
		humanize.Bytes(uint64(t.stats.BytesLeft)))
	fmt.Fprintf(w, "Pieces: %d/%d\n", t.stats.OwnedPieces, t.stats.TotalPieces)
	fmt.Fprintf(w, "Connected to %d peers\n", len(t.conns))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, ci := range t.conns {
		fmt.Fprintf(tw, "%s\n", ci.String())
	}
	tw.Flush()
}
