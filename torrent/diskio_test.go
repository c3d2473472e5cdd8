package torrent

import (
	"crypto/sha1"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/lkslts64/riptide/metainfo"
	"github.com/lkslts64/riptide/torrent/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//like testingMetainfo but the piece hashes match the returned content
func testingDataTorrent(numPieces, pieceLen int) (*metainfo.MetaInfo, []byte) {
	data := make([]byte, numPieces*pieceLen)
	rand.Read(data)
	info := &metainfo.InfoDict{
		Name:     "data",
		PieceLen: pieceLen,
		Len:      numPieces * pieceLen,
	}
	for i := 0; i < numPieces; i++ {
		h := sha1.Sum(data[i*pieceLen : (i+1)*pieceLen])
		info.Pieces = append(info.Pieces, h[:]...)
	}
	return &metainfo.MetaInfo{Info: info}, data
}

//newTestDiskIO spawns the disk goroutine of a fresh torrent with no master
//goroutine behind it, the test hears the verdicts on pieceHashedCh itself.
func newTestDiskIO(t *testing.T, cfg *Config, numPieces, pieceLen int) (*Torrent, []byte) {
	cfg.RejectIncomingConnections = true
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	tr := newTorrent(cl)
	mi, data := testingDataTorrent(numPieces, pieceLen)
	tr.mi = mi
	require.NoError(t, tr.gotInfo())
	return tr, data
}

func TestDiskIO(t *testing.T) {
	const blockSz = 1 << 14
	const pieceLen = 3 * blockSz
	tr, data := newTestDiskIO(t, testingConfig(t), 4, pieceLen)
	feedPiece := func(i int) {
		//hand the blocks over out of order, assembly shouldn't mind
		for _, j := range []int{2, 0, 1} {
			off := j * blockSz
			begin := i*pieceLen + off
			tr.diskIO.blockC <- blockData{
				bl:   block{pc: i, off: off, len: blockSz},
				data: data[begin : begin+blockSz],
			}
		}
	}
	for i := 0; i < 4; i++ {
		feedPiece(i)
		res := <-tr.pieceHashedCh
		assert.Equal(t, i, res.pieceIndex)
		assert.True(t, res.ok)
		assert.NoError(t, res.writeErr)
	}
	assert.EqualValues(t, 4, tr.diskIO.piecesWritten.Load())
	assert.EqualValues(t, len(data), tr.diskIO.bytesWritten.Load())
	assert.EqualValues(t, 12, tr.diskIO.blocksReceived.Load())
	//every piece is written and verified so reads are allowed now
	got := make([]byte, len(data))
	require.NoError(t, tr.readBlock(got, 0, 0))
	assert.Equal(t, data, got)
	//a piece that arrives twice is not an error, the copy on disk is fine
	feedPiece(2)
	res := <-tr.pieceHashedCh
	assert.True(t, res.ok)
	assert.Equal(t, storage.ErrAlreadyWritten, res.writeErr)
	assert.EqualValues(t, 0, tr.diskIO.writeFailures.Load())
}

func TestDiskIOCorruptedPiece(t *testing.T) {
	const pieceLen = 1 << 14
	tr, data := newTestDiskIO(t, testingConfig(t), 2, pieceLen)
	garbage := make([]byte, pieceLen)
	tr.diskIO.blockC <- blockData{bl: block{pc: 1, off: 0, len: pieceLen}, data: garbage}
	res := <-tr.pieceHashedCh
	assert.Equal(t, 1, res.pieceIndex)
	assert.False(t, res.ok)
	assert.EqualValues(t, 1, tr.diskIO.hashFailures.Load())
	//a good copy afterwards makes it through
	tr.diskIO.blockC <- blockData{bl: block{pc: 1, off: 0, len: pieceLen}, data: data[pieceLen:]}
	res = <-tr.pieceHashedCh
	assert.True(t, res.ok)
	assert.NoError(t, res.writeErr)
	assert.EqualValues(t, 1, tr.diskIO.piecesWritten.Load())
}

type failingStorage struct {
	dummyStorage
}

func (fs failingStorage) WritePiece(pieceIndex int, data []byte) (n int, err error) {
	return 0, errors.New("disk trouble")
}

func TestDiskIOFatalWriteFailures(t *testing.T) {
	const pieceLen = 1 << 14
	cfg := testingConfig(t)
	cfg.OpenStorage = func(mi *metainfo.MetaInfo, baseDir string, logger *logrus.Logger) (storage.Storage, bool, error) {
		return failingStorage{}, false, nil
	}
	tr, data := newTestDiskIO(t, cfg, 1, pieceLen)
	for i := 0; i < maxWriteFailures; i++ {
		tr.diskIO.blockC <- blockData{bl: block{pc: 0, off: 0, len: pieceLen}, data: data}
		res := <-tr.pieceHashedCh
		//the piece verified fine, it is the storage that misbehaves
		assert.True(t, res.ok)
		assert.Error(t, res.writeErr)
	}
	//so many failed writes take the whole torrent down
	select {
	case err := <-tr.fatalErrC:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal error after repeated write failures")
	}
	assert.EqualValues(t, maxWriteFailures, tr.diskIO.writeFailures.Load())
}
