package tracker

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/lkslts64/riptide/bencode"
)

//HTTPTrackerURL announces over plain HTTP GETs as BEP 3 specifies.
type HTTPTrackerURL struct {
	url trackerURL
	//tracker id the tracker told us to echo back, if any
	id []byte
}

type httpAnnounceResponse struct {
	Fail        string     `bencode:"failure reason" empty:"omit"`
	Warning     string     `bencode:"warning message" empty:"omit"`
	Interval    int32      `bencode:"interval"`
	MinInterval int32      `bencode:"min interval" empty:"omit"`
	TrackerID   []byte     `bencode:"tracker id" empty:"omit"`
	Complete    int32      `bencode:"complete" empty:"omit"`
	Incomplete  int32      `bencode:"incomplete" empty:"omit"`
	//trackers respond with one of the two forms under the same key: a
	//list of dicts fills Peers, the compact string fills CheapPeers.
	Peers      []Peer     `bencode:"peers" empty:"omit"`
	CheapPeers cheapPeers `bencode:"peers" empty:"omit"`
}

//parse validates the response and, if the tracker answered in compact
//form, lifts CheapPeers into Peers. After a successful parse the Peers
//field is authoritative.
func (r *httpAnnounceResponse) parse() error {
	var err error
	if r.Fail != "" {
		return errors.New("tracker responded with failure reason: " + r.Fail)
	}
	if r.Peers != nil {
		var ip net.IP
		for i := range r.Peers {
			if len(r.Peers[i].ID) != 20 {
				return errors.New("one of the peer IDs is not exactly 20 bytes long")
			}
			if ip = net.ParseIP(string(r.Peers[i].IP)); ip == nil {
				var ips []net.IP
				if ips, err = net.LookupIP(string(r.Peers[i].IP)); err != nil {
					return fmt.Errorf("peer %x ip is neither an IP nor a DNS name: %w", r.Peers[i].ID, err)
				}
				r.Peers[i].IP = ips[0]
			} else {
				r.Peers[i].IP = ip
			}
		}
	} else if r.CheapPeers != nil {
		r.Peers, err = r.CheapPeers.peers()
		if err != nil {
			return err
		}
	} else {
		return errors.New("both Peers and CheapPeers fields are empty")
	}
	return nil
}

func (r *httpAnnounceResponse) announceResp() *AnnounceResp {
	return &AnnounceResp{r.Interval, r.Incomplete, r.Complete, r.Peers, r.MinInterval}
}

//Announce issues the announce and remembers the tracker id for
//subsequent ones.
func (t *HTTPTrackerURL) Announce(ctx context.Context, r AnnounceReq) (*AnnounceResp, error) {
	resp, err := t.announce(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("http announce: %w", err)
	}
	if id := resp.TrackerID; id != nil && string(id) != string(t.id) {
		t.id = id
	}
	return resp.announceResp(), nil
}

func (t *HTTPTrackerURL) announce(ctx context.Context, r AnnounceReq) (*httpAnnounceResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	u, err := r.buildURL(t.url)
	if err != nil {
		return nil, err
	}
	if t.id != nil {
		q := u.Query()
		q.Set("trackerid", string(t.id))
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, err
	}
	benData, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	var res httpAnnounceResponse
	err = bencode.Decode(benData, &res)
	if err != nil {
		return nil, err
	}
	err = res.parse()
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r AnnounceReq) buildURL(turl trackerURL) (*url.URL, error) {
	u, err := url.Parse(string(turl))
	if err != nil {
		return nil, err
	}
	u.RawQuery = r.queryValues()
	return u, nil
}

func (r AnnounceReq) queryValues() string {
	v := url.Values{}
	v.Set("info_hash", string(r.InfoHash[:]))
	v.Set("peer_id", string(r.PeerID[:]))
	v.Set("port", strconv.Itoa(int(r.Port)))
	v.Set("uploaded", strconv.Itoa(int(r.Uploaded)))
	v.Set("downloaded", strconv.Itoa(int(r.Downloaded)))
	v.Set("left", strconv.Itoa(int(r.Left)))
	v.Set("compact", "1")
	v.Set("no_peer_id", "1")
	if r.Event != None {
		v.Set("event", r.Event.String())
	}
	if r.Numwant > 0 {
		v.Set("numwant", strconv.Itoa(int(r.Numwant)))
	}
	if r.Key != 0 {
		v.Set("key", strconv.Itoa(int(r.Key)))
	}
	return v.Encode()
}

type httpScrapeResp struct {
	Files map[string]TorrentInfo `bencode:"files"`
	Fail  string                 `bencode:"failure_reason" empty:"omit"`
}

//Scrape asks the tracker for the stats of the specified torrents.
func (t *HTTPTrackerURL) Scrape(ctx context.Context, ihashes ...[20]byte) (*ScrapeResp, error) {
	resp, err := t.scrape(ctx, ihashes...)
	if err != nil {
		return nil, fmt.Errorf("http scrape: %w", err)
	}
	return &ScrapeResp{resp.Files}, nil
}

func (t *HTTPTrackerURL) scrape(ctx context.Context, ihashes ...[20]byte) (*httpScrapeResp, error) {
	s := t.url.ScrapeURL()
	if s == "" {
		return nil, errors.New("tracker doesn't support scraping")
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	v := url.Values{}
	for _, ihash := range ihashes {
		v.Add("info_hash", string(ihash[:]))
	}
	u.RawQuery = v.Encode()
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, err
	}
	benData, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	var sr httpScrapeResp
	err = bencode.Decode(benData, &sr)
	if err != nil {
		return nil, err
	}
	if sr.Fail != "" {
		return nil, errors.New("tracker responded with failure reason: " + sr.Fail)
	}
	for ihash := range sr.Files {
		if len(ihash) != 20 {
			return nil, fmt.Errorf("scrape key %q isn't an info hash", ihash)
		}
	}
	return &sr, nil
}
