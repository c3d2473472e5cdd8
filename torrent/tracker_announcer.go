package torrent

import (
	"context"
	"time"

	"github.com/lkslts64/riptide/tracker"
)

//trackerAnnouncer serializes the announces of all the client's torrents.
type trackerAnnouncer struct {
	cl *Client
	//torrents submit their announce events here
	submitEventC chan trackerAnnouncerEvent
	//the tracker urls we have spoken with so far
	trackers map[string]*trackerURL
}

func newTrackerAnnouncer(cl *Client) *trackerAnnouncer {
	return &trackerAnnouncer{
		cl:           cl,
		submitEventC: make(chan trackerAnnouncerEvent),
		trackers:     make(map[string]*trackerURL),
	}
}

//wrapper of tracker.TrackerURL which upgrades the first event to Started
type trackerURL struct {
	tu           tracker.TrackerURL
	numAnnounces int
}

func newTrackerURL(url string) (*trackerURL, error) {
	tu, err := tracker.NewTrackerURL(url)
	if err != nil {
		return nil, err
	}
	return &trackerURL{
		tu: tu,
	}, nil
}

func (tu *trackerURL) Announce(ctx context.Context, req tracker.AnnounceReq) (*tracker.AnnounceResp, error) {
	if req.Event == tracker.None && tu.numAnnounces == 0 {
		req.Event = tracker.Started
	}
	tu.numAnnounces++
	return tu.tu.Announce(ctx, req)
}

//The logic is simple but if we start supporting the announce list extension
//it 'll become more interesting.
func (a *trackerAnnouncer) run() {
	for {
		select {
		case te := <-a.submitEventC:
			resp, err := a.announce(te)
			select {
			case te.t.trackerAnnouncerResponseCh <- trackerAnnouncerResponse{
				resp: resp,
				err:  err,
			}:
			case <-te.t.closed:
				//the torrent went away while we were announcing
			}
		case <-a.cl.close:
			return
		}
	}
}

func (a *trackerAnnouncer) announce(te trackerAnnouncerEvent) (*tracker.AnnounceResp, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req := tracker.AnnounceReq{
		InfoHash:   te.t.mi.Info.Hash,
		PeerID:     a.cl.peerID,
		Downloaded: int64(te.stats.BytesDownloaded),
		Left:       int64(te.stats.BytesLeft),
		Uploaded:   int64(te.stats.BytesUploaded),
		Event:      te.event,
		Numwant:    200,
		Port:       int16(a.cl.port),
	}
	url := string(te.t.mi.Announce)
	if _, ok := a.trackers[url]; !ok {
		tu, err := newTrackerURL(url)
		if err != nil {
			return nil, err
		}
		a.trackers[url] = tu
	}
	return a.trackers[url].Announce(ctx, req)
}
