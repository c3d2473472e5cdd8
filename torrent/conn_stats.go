package torrent

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

//a peer that hasn't sent us a block for so long is considered a snubber
const snubbedDuration = time.Minute

type connStats struct {
	uploadUsefulBytes   int
	downloadUsefulBytes int
	blocksDownloaded    int
	blocksUploaded      int
	//initally it holds the time that we first got in `downloading` state
	lastReceivedPieceMsg time.Time
	//last time we were interested and peer was unchoking
	lastStartedDownloading time.Time
	//last time we were unchoking and peer was interested
	lastStartedUploading time.Time
	//duration we are in downloading state
	sumDownloading time.Duration
	//duration we are in uploading state
	sumUploading            time.Duration
	snubbed                 bool
	badPiecesContributions  int
	goodPiecesContributions int
}

func (cs *connStats) stopDownloading() {
	cs.sumDownloading += time.Since(cs.lastStartedDownloading)
}

func (cs *connStats) stopUploading() {
	cs.sumUploading += time.Since(cs.lastStartedUploading)
}

func (cs *connStats) onBlockDownload(len int) {
	cs.downloadUsefulBytes += len
	cs.blocksDownloaded++
	cs.lastReceivedPieceMsg = time.Now()
	//a delivering peer is not a snubber anymore
	cs.snubbed = false
}

func (cs *connStats) onBlockUpload(len int) {
	cs.blocksUploaded++
	cs.uploadUsefulBytes += len
}

func (cs *connStats) isSnubbed() bool {
	if cs.snubbed {
		return true
	}
	cs.snubbed = (!cs.lastReceivedPieceMsg.IsZero() && time.Since(cs.lastReceivedPieceMsg) >= snubbedDuration)
	return cs.snubbed
}

//how much we trust this conn. Greater values mean the peer sent us more
//corrupted data.
func (cs *connStats) maliciousness() int {
	return cs.badPiecesContributions - cs.goodPiecesContributions
}

func (cs *connStats) String() string {
	return fmt.Sprintf(`bytes downloaded: %s
	bytes uploaded: %s
	blocks downloaded: %d
	blocks uploaded: %d`, humanize.Bytes(uint64(cs.downloadUsefulBytes)),
		humanize.Bytes(uint64(cs.uploadUsefulBytes)),
		cs.blocksDownloaded,
		cs.blocksUploaded)
}
