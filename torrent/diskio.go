package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/lkslts64/riptide/torrent/storage"
	"go.uber.org/atomic"
)

//max blocks waiting to be processed by the disk goroutine. Conns block while
//the pipeline is full so a slow disk throttles the swarm.
const diskIOChSize = 250

//after so many failed piece writes the torrent is considered broken
const maxWriteFailures = 5

//blockData is a downloaded block travelling to storage
type blockData struct {
	bl   block
	data []byte
}

//assembly buffer of a piece that is partially downloaded
type pieceBuffer struct {
	data     []byte
	received *roaring.Bitmap
	//how many blocks the piece has in total
	blocks int
}

//diskIO serializes all piece writes and verifications of a Torrent on a
//dedicated goroutine. Conns feed it blocks and the master hears the verdicts
//through the torrent's pieceHashedCh.
type diskIO struct {
	t      *Torrent
	blockC chan blockData
	//closed by the master after all conns have been dropped
	quitC chan struct{}
	//closed when run returns, the storage may be closed safely afterwards
	doneC chan struct{}
	//assembly buffers keyed by piece index
	buffers map[int]*pieceBuffer

	blocksReceived atomic.Int64
	bytesWritten   atomic.Int64
	piecesWritten  atomic.Int64
	hashFailures   atomic.Int64
	writeFailures  atomic.Int64
}

func newDiskIO(t *Torrent) *diskIO {
	return &diskIO{
		t:       t,
		blockC:  make(chan blockData, diskIOChSize),
		quitC:   make(chan struct{}),
		doneC:   make(chan struct{}),
		buffers: make(map[int]*pieceBuffer),
	}
}

func (d *diskIO) run() {
	defer close(d.doneC)
	for {
		select {
		case bd := <-d.blockC:
			d.onBlock(bd)
		case <-d.quitC:
			//no conn is alive to feed us anymore, serve what was left behind
			for {
				select {
				case bd := <-d.blockC:
					d.onBlock(bd)
				default:
					return
				}
			}
		}
	}
}

func (d *diskIO) onBlock(bd blockData) {
	d.blocksReceived.Inc()
	d.t.cl.counters.Add("blocksReceived", 1)
	buf, ok := d.buffers[bd.bl.pc]
	if !ok {
		buf = &pieceBuffer{
			data:     make([]byte, d.t.pieceLen(bd.bl.pc)),
			received: roaring.NewBitmap(),
			blocks:   d.pieceBlocks(bd.bl.pc),
		}
		d.buffers[bd.bl.pc] = buf
	}
	if bd.bl.off+len(bd.data) > len(buf.data) {
		//conns have validated the bounds before handing the block to us
		panic("block exceeds piece boundaries")
	}
	copy(buf.data[bd.bl.off:], bd.data)
	buf.received.Add(uint32(bd.bl.off / d.t.blockRequestSize))
	if int(buf.received.GetCardinality()) < buf.blocks {
		return
	}
	delete(d.buffers, bd.bl.pc)
	d.finishPiece(bd.bl.pc, buf.data)
}

//finishPiece verifies an assembled piece and writes it to storage with a
//single write. The master decides what happens on failures.
func (d *diskIO) finishPiece(i int, data []byte) {
	if !d.verify(i, data) {
		d.hashFailures.Inc()
		d.t.cl.counters.Add("hashFailures", 1)
		d.sendResult(pieceHashed{pieceIndex: i, ok: false})
		return
	}
	if _, err := d.t.storage.WritePiece(i, data); err != nil {
		if err == storage.ErrAlreadyWritten {
			//a piece downloaded twice during endgame, the copy on disk is fine
			d.sendResult(pieceHashed{pieceIndex: i, ok: true, writeErr: err})
			return
		}
		d.t.logger.Errorf("failed to write piece %d: %s", i, err)
		d.writeFailures.Inc()
		d.t.cl.counters.Add("writeFailures", 1)
		if d.writeFailures.Load() >= maxWriteFailures {
			select {
			case d.t.fatalErrC <- fmt.Errorf("storage keeps failing: %w", err):
			default:
			}
		}
		d.sendResult(pieceHashed{pieceIndex: i, ok: true, writeErr: err})
		return
	}
	d.piecesWritten.Inc()
	d.bytesWritten.Add(int64(len(data)))
	d.t.cl.counters.Add("piecesWritten", 1)
	d.sendResult(pieceHashed{pieceIndex: i, ok: true})
}

func (d *diskIO) verify(i int, data []byte) bool {
	h := sha1.Sum(data)
	return bytes.Equal(h[:], d.t.mi.Info.PieceHash(i))
}

//the master drains pieceHashedCh continuously so we rarely block here
func (d *diskIO) sendResult(res pieceHashed) {
	d.t.pieceHashedCh <- res
}

func (d *diskIO) pieceBlocks(i int) int {
	return (d.t.pieceLen(i) + d.t.blockRequestSize - 1) / d.t.blockRequestSize
}
