package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io/ioutil"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/missinggo/bitmap"
	"github.com/anacrolix/torrent"
	"github.com/lkslts64/riptide/bencode"
	"github.com/lkslts64/riptide/metainfo"
	"github.com/lkslts64/riptide/peer_wire"
	"github.com/lkslts64/riptide/torrent/storage"
	"github.com/lkslts64/riptide/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testingConfig(t testing.TB) *Config {
	return &Config{
		MaxOnFlightReqs:     250,
		MaxEstablishedConns: 55,
		BaseDir:             t.TempDir(),
		OpenStorage:         storage.OpenFileStorage,
		DisableTrackers:     true,
		DisableDHT:          true,
		DialTimeout:         5 * time.Second,
		HandshakeTimeout:    4 * time.Second,
	}
}

type testFile struct {
	path []string
	len  int
}

//testingTorrent writes random content under dir together with a metainfo
//file describing it and returns the path of the metainfo file plus the raw
//content. With no files specified a single file torrent of three pieces is
//created. Pointing a client's BaseDir at dir makes it a seeder.
func testingTorrent(t testing.TB, dir, announce string, pieceLen int, files ...testFile) (string, []byte) {
	t.Helper()
	if len(files) == 0 {
		files = []testFile{{len: 3 * pieceLen}}
	}
	var total int
	for _, f := range files {
		total += f.len
	}
	data := make([]byte, total)
	rand.Read(data)
	const name = "data"
	info := &metainfo.InfoDict{
		Name:     name,
		PieceLen: pieceLen,
	}
	if len(files) == 1 && files[0].path == nil {
		info.Len = total
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), data, 0644))
	} else {
		var off int
		for _, f := range files {
			info.Files = append(info.Files, metainfo.File{Len: f.len, Path: f.path})
			p := filepath.Join(append([]string{dir, name}, f.path...)...)
			require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
			require.NoError(t, ioutil.WriteFile(p, data[off:off+f.len], 0644))
			off += f.len
		}
	}
	numPieces := (total + pieceLen - 1) / pieceLen
	for i := 0; i < numPieces; i++ {
		end := (i + 1) * pieceLen
		if end > total {
			end = total
		}
		h := sha1.Sum(data[i*pieceLen : end])
		info.Pieces = append(info.Pieces, h[:]...)
	}
	mi := &metainfo.MetaInfo{
		Announce: metainfo.AnnounceURL(announce),
		Info:     info,
	}
	fileName := filepath.Join(dir, name+".torrent")
	require.NoError(t, mi.CreateTorrentFile(fileName))
	return fileName, data
}

func addrsToPeers(addrs []string) []Peer {
	peers := make([]Peer, len(addrs))
	for i, addr := range addrs {
		peers[i] = addrToPeer(addr, SourceUser)
	}
	return peers
}

//frozen runs fn while the master goroutine is frozen so the torrent's state
//can be observed safely. fn doesn't run if the torrent has closed.
func frozen(tr *Torrent, fn func()) {
	l := tr.newLocker()
	l.lock()
	defer l.unlock()
	if !l.closed {
		fn()
	}
}

func waitFor(t *testing.T, tr *Torrent, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		var ok bool
		frozen(tr, func() { ok = cond() })
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

//newTestConnInfo builds a connInfo with no conn goroutine behind it, the
//test plays the conn's part by hand.
func newTestConnInfo(tr *Torrent) *connInfo {
	return &connInfo{
		t:        tr,
		sendC:    make(chan interface{}, sendCSize),
		recvC:    make(chan interface{}, recvCSize),
		droppedC: make(chan struct{}),
		state:    newConnState(),
		onFlight: make(map[block]struct{}),
	}
}

//recvCmd returns the next command the master sent to this conn
func recvCmd(t *testing.T, ci *connInfo) interface{} {
	t.Helper()
	select {
	case cmd := <-ci.recvC:
		return cmd
	case <-time.After(5 * time.Second):
		t.Fatal("no command within the deadline")
		return nil
	}
}

func assertMsgCmd(t *testing.T, cmd interface{}, kind peer_wire.MessageID) {
	t.Helper()
	msg, ok := cmd.(*peer_wire.Msg)
	require.True(t, ok)
	assert.Equal(t, kind, msg.Kind)
}

func TestTorrentNewConnection(t *testing.T) {
	cfg := testingConfig(t)
	file, _ := testingTorrent(t, cfg.BaseDir, "", 1<<14)
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	defer cl.Close()
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	require.NoError(t, tr.StartDataTransfer())
	fakes := make([]*connInfo, tr.maxEstablishedConnections)
	for i := range fakes {
		fakes[i] = newTestConnInfo(tr)
		tr.newConnCh <- fakes[i]
		//we seed this torrent so every new conn is told to advertise our
		//pieces first thing
		bm, ok := recvCmd(t, fakes[i]).(bitmap.Bitmap)
		require.True(t, ok)
		assert.Equal(t, tr.numPieces(), bm.Len())
	}
	//the next one exceeds the connection limit
	extra := newTestConnInfo(tr)
	tr.newConnCh <- extra
	_, ok := recvCmd(t, extra).(drop)
	require.True(t, ok)
	var numConns int
	frozen(tr, func() { numConns = len(tr.conns) })
	assert.Equal(t, tr.maxEstablishedConnections, numConns)
	for _, ci := range fakes {
		close(ci.sendC)
	}
}

func TestStatsUpdate(t *testing.T) {
	tr := &Torrent{
		mi: &metainfo.MetaInfo{
			Info: &metainfo.InfoDict{},
		},
	}
	ci := &connInfo{
		t:        tr,
		sendC:    make(chan interface{}, sendCSize),
		recvC:    make(chan interface{}, recvCSize),
		droppedC: make(chan struct{}),
		state:    newConnState(),
	}
	//peer is interested and we unchoke them, upload time starts counting
	tr.gotEvent(event{ci, &peer_wire.Msg{Kind: peer_wire.Interested}})
	ci.unchoke()
	time.Sleep(20 * time.Millisecond)
	assert.GreaterOrEqual(t, int64(ci.durationUploading()), int64(20*time.Millisecond))
	ci.choke()
	assert.Greater(t, int64(ci.stats.sumUploading), int64(0))
	//we become interested and get unchoked, download time starts counting
	assert.EqualValues(t, 0, ci.durationDownloading())
	ci.interested()
	tr.gotEvent(event{ci, &peer_wire.Msg{Kind: peer_wire.Unchoke}})
	time.Sleep(20 * time.Millisecond)
	//no downloaded bytes yet
	assert.Equal(t, float64(0), ci.rate())
	ci.stats.downloadUsefulBytes += 1 << 14
	firstRate := ci.rate()
	assert.Greater(t, firstRate, float64(0))
	time.Sleep(5 * time.Millisecond)
	//same bytes over more time make a smaller rate
	assert.Less(t, ci.rate(), firstRate)
}

func TestLoadCompleteTorrent(t *testing.T) {
	cfg := testingConfig(t)
	file, data := testingTorrent(t, cfg.BaseDir, "", 1<<14)
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	defer cl.Close()
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	<-tr.InfoC
	//storage found the data intact so we seed right away
	assert.True(t, tr.HaveAllPieces())
	assert.True(t, tr.Seeding())
	assert.Equal(t, Seeding, tr.State())
	stats := tr.Stats()
	assert.Equal(t, stats.TotalPieces, stats.OwnedPieces)
	assert.Equal(t, 0, stats.BytesLeft)
	contents := make([]byte, tr.length)
	require.NoError(t, tr.readBlock(contents, 0, 0))
	assert.Equal(t, data, contents)
	//nothing left to download
	require.NoError(t, tr.Download())
}

func TestPauseAndResume(t *testing.T) {
	file, _ := testingTorrent(t, t.TempDir(), "", 1<<14)
	cl, err := NewClient(testingConfig(t))
	require.NoError(t, err)
	defer cl.Close()
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	require.Equal(t, errTorrentNotStarted, tr.Pause())
	require.NoError(t, tr.StartDataTransfer())
	require.NoError(t, tr.Pause())
	//pausing twice is fine
	require.NoError(t, tr.Pause())
	var enabled, allowed bool
	frozen(tr, func() { enabled, allowed = tr.downloadEnabled, tr.pieces.downloadAllowed })
	assert.False(t, enabled)
	assert.False(t, allowed)
	require.NoError(t, tr.Resume())
	frozen(tr, func() { enabled, allowed = tr.downloadEnabled, tr.pieces.downloadAllowed })
	assert.True(t, enabled)
	assert.True(t, allowed)
}

func testDataTransfer(t *testing.T, numLeechers, pieceLen int, files ...testFile) {
	seederCfg := testingConfig(t)
	file, data := testingTorrent(t, seederCfg.BaseDir, "", pieceLen, files...)
	seeder, err := NewClient(seederCfg)
	require.NoError(t, err)
	defer seeder.Close()
	seederTr, err := seeder.AddFromFile(file)
	require.NoError(t, err)
	require.True(t, seederTr.HaveAllPieces())
	require.NoError(t, seederTr.StartDataTransfer())
	leechers := make([]*Client, numLeechers)
	for i := range leechers {
		leechers[i], err = NewClient(testingConfig(t))
		require.NoError(t, err)
		defer leechers[i].Close()
		_, err = leechers[i].AddFromFile(file)
		require.NoError(t, err)
	}
	addrs := make([]string, numLeechers)
	for i := range addrs {
		addrs[i] = leechers[i].addr()
	}
	var wg sync.WaitGroup
	for i, leecher := range leechers {
		tr := leecher.Torrents()[0]
		//each leecher knows the seeder and the leechers after him so pieces
		//flow through the whole swarm
		require.NoError(t, tr.AddPeers(addrsToPeers(append(addrs[i+1:], seeder.addr()))...))
		wg.Add(1)
		go func(tr *Torrent) {
			defer wg.Done()
			assert.NoError(t, tr.Download())
		}(tr)
	}
	wg.Wait()
	for _, leecher := range leechers {
		tr := leecher.Torrents()[0]
		assert.True(t, tr.HaveAllPieces())
		downloaded := make([]byte, tr.length)
		require.NoError(t, tr.readBlock(downloaded, 0, 0))
		assert.Equal(t, data, downloaded)
		//every piece hit the disk exactly once and none was re-downloaded
		assert.EqualValues(t, tr.numPieces(), tr.diskIO.piecesWritten.Load())
		assert.Zero(t, tr.diskIO.hashFailures.Load())
	}
}

func TestDataTransfer(t *testing.T) {
	testDataTransfer(t, 1, 1<<14)
}

func TestDataTransferMultipleLeechers(t *testing.T) {
	testDataTransfer(t, 3, 1<<14)
}

func TestDataTransferMultiFile(t *testing.T) {
	testDataTransfer(t, 2, 1<<14,
		testFile{path: []string{"a"}, len: 30000},
		testFile{path: []string{"sub", "b"}, len: 20000},
		testFile{path: []string{"c"}, len: 152})
}

func testThirdPartyDataTransfer(t *testing.T, pieceLen int, files ...testFile) {
	if testing.Short() {
		t.Skip("skipping test involving third party torrent library")
	}
	dataDir := t.TempDir()
	file, data := testingTorrent(t, dataDir, "", pieceLen, files...)
	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = dataDir
	cfg.NoDHT = true
	cfg.Seed = true
	cfg.DisablePEX = true
	seeder, err := torrent.NewClient(cfg)
	require.NoError(t, err)
	defer seeder.Close()
	seederTr, err := seeder.AddTorrentFromFile(file)
	require.NoError(t, err)
	seederTr.VerifyData()
	assert.True(t, seederTr.Seeding())
	leecher, err := NewClient(testingConfig(t))
	require.NoError(t, err)
	defer leecher.Close()
	leecherTr, err := leecher.AddFromFile(file)
	require.NoError(t, err)
	require.NoError(t, leecherTr.AddPeers(addrToPeer(seeder.ListenAddrs()[0].String(), SourceUser)))
	require.NoError(t, leecherTr.Download())
	assert.True(t, leecherTr.HaveAllPieces())
	downloaded := make([]byte, leecherTr.length)
	require.NoError(t, leecherTr.readBlock(downloaded, 0, 0))
	assert.Equal(t, data, downloaded)
}

func TestThirdPartyDataTransfer(t *testing.T) {
	testThirdPartyDataTransfer(t, 1<<14)
}

func TestThirdPartyDataTransferMultiFile(t *testing.T) {
	testThirdPartyDataTransfer(t, 1<<14,
		testFile{path: []string{"a"}, len: 40000},
		testFile{path: []string{"sub", "deep", "b"}, len: 25000})
}

type dummyTracker struct {
	ln   net.Listener
	peer tracker.Peer

	mu     sync.Mutex
	count  int
	events []string
}

type dummyTrackerResp struct {
	Interval int32          `bencode:"interval"`
	Peers    []tracker.Peer `bencode:"peers"`
}

func newDummyTracker(t *testing.T, peer tracker.Peer) *dummyTracker {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dt := &dummyTracker{ln: ln, peer: peer}
	mux := http.NewServeMux()
	mux.HandleFunc("/announce", dt.announceHandler)
	go http.Serve(ln, mux)
	return dt
}

func (dt *dummyTracker) addr() string {
	return "http://" + dt.ln.Addr().String() + "/announce"
}

func (dt *dummyTracker) announceHandler(w http.ResponseWriter, r *http.Request) {
	dt.mu.Lock()
	dt.count++
	if e := r.URL.Query().Get("event"); e != "" {
		dt.events = append(dt.events, e)
	}
	dt.mu.Unlock()
	data, err := bencode.Encode(dummyTrackerResp{
		Interval: 1,
		Peers:    []tracker.Peer{dt.peer},
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

func (dt *dummyTracker) announces() (int, []string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	return dt.count, append([]string(nil), dt.events...)
}

func TestTrackerAnnouncer(t *testing.T) {
	cfg := testingConfig(t)
	cfg.DisableTrackers = false
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	dt := newDummyTracker(t, tracker.Peer{
		ID: cl.ID(),
		//the textual form, like the dictionary model of the protocol wants
		IP:   []byte(getOutboundIP().String()),
		Port: cl.port,
	})
	defer dt.ln.Close()
	file, _ := testingTorrent(t, cfg.BaseDir, dt.addr(), 1<<14)
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	require.NoError(t, tr.StartDataTransfer())
	//the tracker points us to ourselves so we end up with a dialed conn and
	//an accepted one
	waitFor(t, tr, func() bool { return len(tr.conns) == 2 })
	//the interval is one second, more announces fit in this window
	time.Sleep(2500 * time.Millisecond)
	count, events := dt.announces()
	assert.GreaterOrEqual(t, count, 2)
	require.NotEmpty(t, events)
	assert.Equal(t, "started", events[0])
	//peers we already talk with get filtered on every announce
	var numConns int
	frozen(tr, func() { numConns = len(tr.conns) })
	assert.Equal(t, 2, numConns)
	cl.Close()
	require.Eventually(t, func() bool {
		_, events := dt.announces()
		return events[len(events)-1] == "stopped"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestTorrentMultipleClose(t *testing.T) {
	cfg := testingConfig(t)
	file, _ := testingTorrent(t, cfg.BaseDir, "", 1<<14)
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	defer cl.Close()
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.True(t, tr.Closed())
	assert.Equal(t, errTorrentClosed, tr.AddPeers(Peer{}))
	assert.Empty(t, cl.Torrents())
}

func TestWantConnsAndPeers(t *testing.T) {
	cfg := testingConfig(t)
	file, _ := testingTorrent(t, cfg.BaseDir, "", 1<<14)
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	defer cl.Close()
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	var wantC, wantP bool
	frozen(tr, func() { wantC, wantP = tr.wantConns(), tr.wantPeers() })
	assert.False(t, wantC)
	assert.False(t, wantP)
	require.NoError(t, tr.StartDataTransfer())
	frozen(tr, func() { wantC, wantP = tr.wantConns(), tr.wantPeers() })
	assert.True(t, wantC)
	assert.True(t, wantP)
}

func TestHalfOpenConnsLimit(t *testing.T) {
	cfg := testingConfig(t)
	cfg.DialTimeout = time.Millisecond
	file, _ := testingTorrent(t, cfg.BaseDir, "", 1<<14)
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	defer cl.Close()
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	//peers in the TEST-NET ranges, none of them is dialable
	peers := make([]Peer, 0, 3*256)
	for _, prefix := range []string{"192.0.2.", "198.51.100.", "203.0.113."} {
		for i := 0; i < 256; i++ {
			peers = append(peers, addrToPeer(fmt.Sprintf("%s%d:6881", prefix, i), SourceUser))
		}
	}
	require.NoError(t, tr.AddPeers(peers...))
	require.NoError(t, tr.StartDataTransfer())
	for {
		var halfOpen, queued int
		frozen(tr, func() { halfOpen, queued = len(tr.halfOpenConns), len(tr.peers) })
		assert.LessOrEqual(t, halfOpen, maxHalfOpenConns)
		if halfOpen+queued == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Empty(t, tr.Swarm())
}

func TestTorrentParallelXported(t *testing.T) {
	cfg := testingConfig(t)
	file, _ := testingTorrent(t, cfg.BaseDir, "", 1<<14)
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	defer cl.Close()
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	require.NoError(t, tr.StartDataTransfer())
	//a second start is rejected
	require.Equal(t, errTorrentTransferring, tr.StartDataTransfer())
	testXported(t, tr, false)
	require.NoError(t, tr.Close())
	testXported(t, tr, true)
}

//exercise the exported API from many goroutines at once
func testXported(t *testing.T, tr *Torrent, expectErr bool) {
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := tr.AddPeers(Peer{})
			if expectErr {
				assert.Equal(t, errTorrentClosed, err)
			} else {
				assert.NoError(t, err)
			}
			var b bytes.Buffer
			tr.WriteStatus(&b)
			assert.Greater(t, b.Len(), 0)
			tr.Swarm()
			tr.Stats()
			tr.HaveAllPieces()
			tr.Seeding()
		}()
	}
	wg.Wait()
}

func TestTorrentParallelClose(t *testing.T) {
	cfg := testingConfig(t)
	file, _ := testingTorrent(t, cfg.BaseDir, "", 1<<14)
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	defer cl.Close()
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	require.NoError(t, tr.StartDataTransfer())
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.Close())
		}()
	}
	wg.Wait()
	assert.True(t, tr.Closed())
}

//a torrent with a single piece of two blocks, claimed by two conns. Once
//every missing block is on flight the master lets the conns race for the
//remaining ones and cancels the losers.
func TestEndgameCancels(t *testing.T) {
	file, _ := testingTorrent(t, t.TempDir(), "", 2*(1<<14), testFile{len: 2 * (1 << 14)})
	cl, err := NewClient(testingConfig(t))
	require.NoError(t, err)
	defer cl.Close()
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	require.NoError(t, tr.StartDataTransfer())
	ci1, ci2 := newTestConnInfo(tr), newTestConnInfo(tr)
	tr.newConnCh <- ci1
	tr.newConnCh <- ci2
	var all bitmap.Bitmap
	all.Set(0, true)
	ci1.sendC <- all.Copy()
	assertMsgCmd(t, recvCmd(t, ci1), peer_wire.Interested)
	ci2.sendC <- all.Copy()
	assertMsgCmd(t, recvCmd(t, ci2), peer_wire.Interested)
	ci1.sendC <- wantBlocks{}
	blocks, ok := recvCmd(t, ci1).([]block)
	require.True(t, ok)
	require.Len(t, blocks, 2)
	//every missing block is on flight now so the end game begins
	_, ok = recvCmd(t, ci1).(requestsAvailable)
	require.True(t, ok)
	_, ok = recvCmd(t, ci2).(requestsAvailable)
	require.True(t, ok)
	//the second conn is handed the same blocks
	ci2.sendC <- wantBlocks{}
	blocks2, ok := recvCmd(t, ci2).([]block)
	require.True(t, ok)
	require.Len(t, blocks2, 2)
	//the first conn wins the race for the first block
	ci1.sendC <- downloadedBlock(blocks[0])
	cancel, ok := recvCmd(t, ci2).(*peer_wire.Msg)
	require.True(t, ok)
	assert.Equal(t, peer_wire.Cancel, cancel.Kind)
	assert.EqualValues(t, blocks[0].pc, cancel.Index)
	assert.EqualValues(t, blocks[0].off, cancel.Begin)
	var onFlight int
	frozen(tr, func() { onFlight = len(ci2.onFlight) })
	assert.Equal(t, 1, onFlight)
	//a latecomer gets nothing, the remaining block has enough downloaders
	ci3 := newTestConnInfo(tr)
	tr.newConnCh <- ci3
	ci3.sendC <- all.Copy()
	assertMsgCmd(t, recvCmd(t, ci3), peer_wire.Interested)
	ci3.sendC <- wantBlocks{}
	select {
	case cmd := <-ci3.recvC:
		t.Fatalf("latecomer received %T", cmd)
	case <-time.After(200 * time.Millisecond):
	}
	for _, ci := range []*connInfo{ci1, ci2, ci3} {
		close(ci.sendC)
	}
}

//dropping a conn gives the blocks it administered back to the picker so
//another conn can download them, and its bitfield leaves the rarity counts
func TestDroppedConnReleasesBlocks(t *testing.T) {
	file, _ := testingTorrent(t, t.TempDir(), "", 1<<14, testFile{len: 2 * (1 << 14)})
	cl, err := NewClient(testingConfig(t))
	require.NoError(t, err)
	defer cl.Close()
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	require.NoError(t, tr.StartDataTransfer())
	ci1, ci2 := newTestConnInfo(tr), newTestConnInfo(tr)
	tr.newConnCh <- ci1
	tr.newConnCh <- ci2
	//both conns offer piece 0 only, piece 1 keeps the end game away
	var bm bitmap.Bitmap
	bm.Set(0, true)
	ci1.sendC <- bm.Copy()
	assertMsgCmd(t, recvCmd(t, ci1), peer_wire.Interested)
	ci2.sendC <- bm.Copy()
	assertMsgCmd(t, recvCmd(t, ci2), peer_wire.Interested)
	ci1.sendC <- wantBlocks{}
	blocks, ok := recvCmd(t, ci1).([]block)
	require.True(t, ok)
	require.Len(t, blocks, 1)
	assert.Equal(t, 0, blocks[0].pc)
	//the only block of piece 0 is on flight, the second conn gets nothing
	ci2.sendC <- wantBlocks{}
	select {
	case cmd := <-ci2.recvC:
		t.Fatalf("second conn received %T", cmd)
	case <-time.After(200 * time.Millisecond):
	}
	//the first conn dies holding the block
	close(ci1.sendC)
	_, ok = recvCmd(t, ci2).(requestsAvailable)
	require.True(t, ok)
	frozen(tr, func() {
		assert.Len(t, tr.conns, 1)
		assert.Equal(t, 1, tr.pieces.pcs[0].rarity)
		assert.True(t, tr.pieces.pcs[0].allBlocksUnrequested())
	})
	assert.Equal(t, 1, tr.Stats().ConnectedPeers)
	//the released block is requestable again
	ci2.sendC <- wantBlocks{}
	blocks2, ok := recvCmd(t, ci2).([]block)
	require.True(t, ok)
	assert.Equal(t, blocks, blocks2)
	assert.Equal(t, peer_wire.NewBitField(2), tr.Bitfield())
	close(ci2.sendC)
}

//a peer that keeps feeding us corrupted pieces gets banned
func TestBanPeerAfterCorruptedData(t *testing.T) {
	file, _ := testingTorrent(t, t.TempDir(), "", 1<<14, testFile{len: 1 << 14})
	cl, err := NewClient(testingConfig(t))
	require.NoError(t, err)
	defer cl.Close()
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	require.NoError(t, tr.StartDataTransfer())
	ci := newTestConnInfo(tr)
	tr.newConnCh <- ci
	var all bitmap.Bitmap
	all.Set(0, true)
	ci.sendC <- all.Copy()
	assertMsgCmd(t, recvCmd(t, ci), peer_wire.Interested)
	garbage := make([]byte, 1<<14)
	for round := 0; round < maxMaliciousness; round++ {
		ci.sendC <- wantBlocks{}
		blocks, ok := recvCmd(t, ci).([]block)
		require.True(t, ok)
		require.Len(t, blocks, 1)
		//the only block went on flight, end game begins
		_, ok = recvCmd(t, ci).(requestsAvailable)
		require.True(t, ok)
		ci.sendC <- downloadedBlock(blocks[0])
		//wait until the master credited the block to this conn
		waitFor(t, tr, func() bool {
			_, ok := ci.onFlight[blocks[0]]
			return !ok
		})
		tr.diskIO.blockC <- blockData{bl: blocks[0], data: garbage}
		if round < maxMaliciousness-1 {
			//verification failed and the piece is requestable again
			_, ok = recvCmd(t, ci).(requestsAvailable)
			require.True(t, ok)
		}
	}
	//twice is too much, the peer gets dropped and banned
	_, ok := recvCmd(t, ci).(drop)
	require.True(t, ok)
	var banned bool
	frozen(tr, func() { _, banned = tr.banned[ci.peer.P.String()] })
	assert.True(t, banned)
	stats := tr.Stats()
	assert.Equal(t, 2<<14, stats.BytesDownloaded)
	assert.Zero(t, stats.OwnedPieces)
	close(ci.sendC)
}
