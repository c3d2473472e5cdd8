//Package tracker implements the BitTorrent tracker protocol, both the
//HTTP flavor (BEP 3) and the UDP one (BEP 15). Announces and scrapes are
//issued through a TrackerURL which hides the transport behind a common
//interface.
package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

//Event is the reason an announce is sent.
type Event int32

const (
	//None is a regular interval announce.
	None Event = iota
	//Completed is sent when a download finishes.
	Completed
	//Started is sent on the first announce for a torrent.
	Started
	//Stopped is sent when a torrent is about to close gracefully.
	Stopped
)

func (e Event) String() string {
	switch e {
	case None:
		return "none"
	case Completed:
		return "completed"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

//AnnounceReq holds the parameters of a tracker announce. Field order
//matters, the UDP tracker protocol serializes the struct as is.
type AnnounceReq struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      Event
	IP         int32
	Key        int32
	//how many peers we want the tracker to respond with. Negative means
	//the tracker decides.
	Numwant int32
	Port    int16
}

//AnnounceResp is what a tracker responded to an announce with.
type AnnounceResp struct {
	//seconds to wait before the next regular announce
	Interval int32
	Leechers int32
	Seeders  int32
	Peers    []Peer
	//zero for UDP trackers
	MinInterval int32
}

//ScrapeResp maps the raw bytes of an info hash to the stats the tracker
//keeps for that torrent.
type ScrapeResp struct {
	Torrents map[string]TorrentInfo
}

//TorrentInfo is the per torrent state a tracker exposes via scrape.
type TorrentInfo struct {
	Seeders    int32  `bencode:"complete"`
	Downloaded int32  `bencode:"downloaded"`
	Leechers   int32  `bencode:"incomplete"`
	Name       string `bencode:"name" empty:"omit"`
}

//Peer is a swarm member as a tracker advertises it. ID is empty when the
//tracker responded in compact form.
type Peer struct {
	ID   []byte `bencode:"peer id"`
	IP   net.IP `bencode:"ip"`
	Port int    `bencode:"port"`
}

//String formats the peer's address as host:port so it can be used as a map
//key or dialed directly.
func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port))
}

//compact peer encoding (BEP 23): 4 bytes IPv4, 2 bytes port, big endian.
type cheapPeers []byte

func (cheap cheapPeers) peers() ([]Peer, error) {
	if len(cheap)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d is not a multiple of 6", len(cheap))
	}
	peers := make([]Peer, len(cheap)/6)
	for i := 0; i < len(cheap); i += 6 {
		j := i / 6
		ip := net.IP(cheap[i : i+4]).To16()
		if ip == nil {
			return nil, errors.New("compact peers ip parse")
		}
		peers[j].IP = ip
		peers[j].Port = int(binary.BigEndian.Uint16(cheap[i+4 : i+6]))
	}
	return peers, nil
}

type trackerURL string

//ScrapeURL derives the scrape URL as BEP 48 specifies: the last path
//segment must start with "announce" and that prefix becomes "scrape".
//Empty return means the tracker doesn't support scraping.
func (u trackerURL) ScrapeURL() string {
	const s = "announce"
	var i int
	if i = strings.LastIndexByte(string(u), '/'); i < 0 {
		return ""
	}
	if len(u) < i+1+len(s) {
		return ""
	}
	if u[i+1:i+len(s)+1] != s {
		return ""
	}
	return string(u[:i+1]) + "scrape" + string(u[i+len(s)+1:])
}

//TrackerURL is the common face of HTTP and UDP trackers.
type TrackerURL interface {
	Announce(context.Context, AnnounceReq) (*AnnounceResp, error)
	Scrape(context.Context, ...[20]byte) (*ScrapeResp, error)
}

//NewTrackerURL picks the tracker transport based on the URL scheme.
func NewTrackerURL(turl string) (TrackerURL, error) {
	u, err := url.Parse(turl)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return &HTTPTrackerURL{url: trackerURL(turl)}, nil
	case "udp":
		return &UDPTrackerURL{url: trackerURL(turl), host: addPortMaybe(u.Host)}, nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
}

func addPortMaybe(host string) string {
	if !strings.Contains(host, ":") {
		host += ":80"
	}
	return host
}
