package torrent

import (
	"github.com/lkslts64/riptide/tracker"
)

//Torrent sends this to signal a conn to be dropped
type drop struct{}

//Torrent broadcasts this to conns to signal that they should try to
//request some blocks again.
type requestsAvailable struct{}

//Torrent broadcasts this when downloading gets paused. Conns give up on
//their in flight requests and report them back with discardedRequests.
type discardRequests struct{}

type trackerAnnouncerEvent struct {
	//which Torrent submited the event
	t     *Torrent
	event tracker.Event
	stats Stats
}

type trackerAnnouncerResponse struct {
	resp *tracker.AnnounceResp
	err  error
}

//Torrent receives messages of this type. val is the actual value of the
//message and conn is the connection that produced it.
type event struct {
	conn *connInfo
	val  interface{}
}

//diskIO sends this when a piece was assembled and hashed
type pieceHashed struct {
	pieceIndex int
	//verified succesfully or not
	ok bool
	//non nil if the piece verified but couldn't be written to storage
	writeErr error
}

//conn sends this to signal that a block was downloaded
type downloadedBlock block

//conn sends this to signal that a block was uploaded
type uploadedBlock block

//conn sends this to ask Torrent for a new batch of requests.
//Torrent answers with a []block command (possibly after a while).
type wantBlocks struct{}

//conn sends this when it gives up on the requests it administered
//(it got choked, it timed out or it is about to close). Torrent puts
//them back to the picker.
type discardedRequests struct {
	reqs []block
}

//conn sends this last, after its event channel was closed
type connDropped struct{}
