package torrent

import (
	"fmt"
	"time"

	"github.com/anacrolix/missinggo/bitmap"
	"github.com/dustin/go-humanize"
	"github.com/lkslts64/riptide/peer_wire"
)

//connInfo is the master's view of a conn. The master holds one for every
//established connection and communicates with the conn solely through the
//channels stored here.
type connInfo struct {
	t    *Torrent
	peer Peer
	//the conn sends events to the master through this channel
	sendC chan interface{}
	//the master sends commands to the conn through this channel
	recvC chan interface{}
	//closed when the conn closes
	droppedC chan struct{}
	//the master's duplicate of the conn's state
	state connState
	//the master's duplicate of the peer's bitmap
	peerBf bitmap.Bitmap
	//blocks the master handed to the conn which are not completed or
	//discarded yet
	onFlight map[block]struct{}
	//how many pieces the peer has that we want too
	numWant int
	stats   connStats
}

//sendCommand never blocks on a dead conn. If the conn was dropped, the drop
//event will arrive through the events channel anyway so we do nothing here.
func (cn *connInfo) sendCommand(cmd interface{}) {
	select {
	case cn.recvC <- cmd:
	case <-cn.droppedC:
	}
}

func (cn *connInfo) choke() {
	if !cn.state.amChoking {
		cn.sendCommand(&peer_wire.Msg{
			Kind: peer_wire.Choke,
		})
		cn.state.amChoking = true
		if cn.state.isInterested {
			cn.stoppedUploading()
		}
	}
}

func (cn *connInfo) unchoke() {
	if cn.state.amChoking {
		cn.sendCommand(&peer_wire.Msg{
			Kind: peer_wire.Unchoke,
		})
		cn.state.amChoking = false
		cn.startedUploading()
	}
}

func (cn *connInfo) interested() {
	if !cn.state.amInterested {
		cn.sendCommand(&peer_wire.Msg{
			Kind: peer_wire.Interested,
		})
		cn.state.amInterested = true
		cn.startedDownloading()
	}
}

func (cn *connInfo) notInterested() {
	if cn.state.amInterested {
		cn.sendCommand(&peer_wire.Msg{
			Kind: peer_wire.NotInterested,
		})
		cn.state.amInterested = false
		if !cn.state.isChoking {
			cn.stoppedDownloading()
		}
	}
}

func (cn *connInfo) have(i int) {
	cn.sendCommand(&peer_wire.Msg{
		Kind:  peer_wire.Have,
		Index: uint32(i),
	})
}

func (cn *connInfo) sendBitfield() {
	cn.sendCommand(cn.t.pieces.ownedPieces.Copy())
}

func (cn *connInfo) sendPort() {
	cn.sendCommand(&peer_wire.Msg{
		Kind: peer_wire.Port,
		Port: cn.t.cl.dhtPort(),
	})
}

//startedDownloading starts a downloading period if the conn's state permits
//data to flow towards us
func (cn *connInfo) startedDownloading() {
	if cn.state.canDownload() {
		cn.stats.lastStartedDownloading = time.Now()
	}
}

func (cn *connInfo) startedUploading() {
	if cn.state.canUpload() {
		cn.stats.lastStartedUploading = time.Now()
	}
}

func (cn *connInfo) stoppedDownloading() {
	cn.stats.stopDownloading()
}

func (cn *connInfo) stoppedUploading() {
	cn.stats.stopUploading()
}

//durationDownloading returns the total time the conn was in downloading state
func (cn *connInfo) durationDownloading() time.Duration {
	d := cn.stats.sumDownloading
	if cn.state.canDownload() {
		d += time.Since(cn.stats.lastStartedDownloading)
	}
	return d
}

//durationUploading returns the total time the conn was in uploading state
func (cn *connInfo) durationUploading() time.Duration {
	d := cn.stats.sumUploading
	if cn.state.canUpload() {
		d += time.Since(cn.stats.lastStartedUploading)
	}
	return d
}

//decides if we should be interested in the peer after a bitfield msg
func (cn *connInfo) reviewInterestsOnBitfield() {
	if cn.t.seeding {
		return
	}
	cn.numWant = 0
	for i := 0; i < cn.t.numPieces(); i++ {
		if !cn.t.pieces.ownedPieces.Get(i) && cn.peerBf.Get(i) {
			cn.numWant++
		}
	}
	if cn.numWant > 0 {
		cn.interested()
	}
}

//decides if we should be interested in the peer after a have msg
func (cn *connInfo) reviewInterestsOnHave(i int) {
	if cn.t.seeding {
		return
	}
	if !cn.t.pieces.ownedPieces.Get(i) {
		cn.numWant++
		if !cn.state.amInterested {
			cn.interested()
		}
	}
}

//isSnubbed checks if the peer has stopped sending us blocks although we want
//some. While seeding no peer is a snubber.
func (cn *connInfo) isSnubbed() bool {
	if cn.t.seeding {
		return false
	}
	return cn.stats.isSnubbed()
}

func (cn *connInfo) peerSeeding() bool {
	return cn.peerBf.Len() == cn.t.numPieces()
}

//a conn is not useful when no side could ever become interested
func (cn *connInfo) notUseful() bool {
	return cn.peerSeeding() && cn.t.seeding
}

//rate returns the download rate or the upload rate if we are seeding, in
//bytes per second.
func (cn *connInfo) rate() float64 {
	var bytes int
	var dur time.Duration
	if cn.t.seeding {
		bytes = cn.stats.uploadUsefulBytes
		dur = cn.durationUploading()
	} else {
		bytes = cn.stats.downloadUsefulBytes
		dur = cn.durationDownloading()
	}
	return safeDiv(float64(bytes), dur.Seconds())
}

func (cn *connInfo) String() string {
	rate := uint64(cn.rate())
	return fmt.Sprintf(`addr: %s (%s)
	state: %s
	%s
	rate: %s/s, snubbed: %t, malicious points: %d`,
		cn.peer.P.String(), cn.peer.source, cn.state.String(), cn.stats.String(),
		humanize.Bytes(rate), cn.isSnubbed(), cn.stats.maliciousness())
}
