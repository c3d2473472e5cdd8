package torrent

import (
	"errors"
	"fmt"
	"io"

	"github.com/lkslts64/riptide/metainfo"
	"github.com/lkslts64/riptide/peer_wire"
)

var (
	errTorrentClosed       = errors.New("torrent closed")
	errTorrentNotStarted   = errors.New("torrent hasn't started data transfer")
	errTorrentTransferring = errors.New("torrent is already transferring data")
)

//Download downloads all the torrent's data and blocks until the last piece
//has been verified and written to storage. If the data is already there, it
//returns immediately and the torrent seeds.
func (t *Torrent) Download() error {
	if err := t.download(); err != nil {
		return err
	}
	select {
	case <-t.DownloadedDataC:
		return nil
	case <-t.closed:
		if t.fatalErr != nil {
			return t.fatalErr
		}
		return errTorrentClosed
	}
}

//StartDataTransfer begins the exchange of data with the swarm without
//blocking. Wait on DownloadedDataC to learn when the download completes.
func (t *Torrent) StartDataTransfer() error {
	return t.download()
}

func (t *Torrent) download() error {
	l := t.newLocker()
	l.lock()
	defer l.unlock()
	if l.closed {
		return errTorrentClosed
	}
	return t.startTransfer()
}

//Pause stops the downloading of data. In flight requests are discarded and
//peers stay connected. Uploading is not affected.
func (t *Torrent) Pause() error {
	return t.setDataDownloadEnabledWithLock(false)
}

//Resume undoes a Pause.
func (t *Torrent) Resume() error {
	return t.setDataDownloadEnabledWithLock(true)
}

func (t *Torrent) setDataDownloadEnabledWithLock(v bool) error {
	l := t.newLocker()
	l.lock()
	defer l.unlock()
	if l.closed {
		return errTorrentClosed
	}
	return t.setDataDownloadEnabled(v)
}

//AddPeers gives the torrent peers to connect with, additionally to the ones
//trackers and the DHT provide. Peers added before the data transfer has
//started are dialed when it does.
func (t *Torrent) AddPeers(peers ...Peer) error {
	l := t.newLocker()
	l.lock()
	defer l.unlock()
	if l.closed {
		return errTorrentClosed
	}
	t.gotPeers(peers)
	return nil
}

//Swarm returns all the peers the torrent knows about.
func (t *Torrent) Swarm() []Peer {
	l := t.newLocker()
	l.lock()
	defer l.unlock()
	if l.closed {
		<-t.teardownDoneC
	}
	return t.swarm()
}

//WriteStatus writes a human readable report of the torrent's state to w.
func (t *Torrent) WriteStatus(w io.Writer) {
	l := t.newLocker()
	l.lock()
	defer l.unlock()
	if l.closed {
		<-t.teardownDoneC
		fmt.Fprintf(w, "Name: %s\nMode: %s\n", t.mi.Info.Name, t.state)
		return
	}
	t.writeStatus(w)
}

//Stats returns statistics about the torrent's data transfer so far.
func (t *Torrent) Stats() Stats {
	l := t.newLocker()
	l.lock()
	defer l.unlock()
	if l.closed {
		<-t.teardownDoneC
		return t.stats
	}
	s := t.stats
	s.ConnectedPeers = len(t.conns)
	return s
}

//Bitfield returns which pieces are verified and written to storage, in the
//encoding the wire protocol uses (bit 7 of byte 0 is piece 0).
func (t *Torrent) Bitfield() peer_wire.BitField {
	l := t.newLocker()
	l.lock()
	defer l.unlock()
	if l.closed {
		<-t.teardownDoneC
	}
	bf := peer_wire.NewBitField(t.numPieces())
	t.pieces.ownedPieces.IterTyped(func(i int) bool {
		bf.SetPiece(i)
		return true
	})
	return bf
}

//State returns the torrent's lifecycle phase.
func (t *Torrent) State() TorrentState {
	l := t.newLocker()
	l.lock()
	defer l.unlock()
	if l.closed {
		return Stopped
	}
	return t.state
}

//Metainfo returns the parsed metainfo file of the torrent.
func (t *Torrent) Metainfo() *metainfo.MetaInfo {
	return t.mi
}

//HaveAllPieces tells if all the torrent's pieces are verified and written to
//storage.
func (t *Torrent) HaveAllPieces() bool {
	l := t.newLocker()
	l.lock()
	defer l.unlock()
	if l.closed {
		<-t.teardownDoneC
	}
	return t.pieces.haveAll()
}

//Seeding tells if the torrent only uploads data.
func (t *Torrent) Seeding() bool {
	l := t.newLocker()
	l.lock()
	defer l.unlock()
	if l.closed {
		<-t.teardownDoneC
	}
	return t.seeding
}

//Closed tells if the torrent is closed or about to close.
func (t *Torrent) Closed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

//Close shuts the torrent down: peers are dropped, trackers hear a stopped
//event and the storage is released. It blocks until the teardown completes
//and is safe to call multiple times and from multiple goroutines.
func (t *Torrent) Close() error {
	l := t.newLocker()
	l.lock()
	if !l.closed {
		t.close()
	}
	l.unlock()
	<-t.teardownDoneC
	return nil
}
