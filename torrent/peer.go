package torrent

import (
	"net"
	"strconv"

	"github.com/lkslts64/riptide/tracker"
)

//PeerSource says through which mechanism we learned about a peer.
type PeerSource byte

const (
	//SourceTracker is a peer obtained from a tracker announce.
	SourceTracker PeerSource = iota
	//SourceDHT is a peer obtained from the DHT.
	SourceDHT
	//SourceIncoming is a peer that dialed us.
	SourceIncoming
	//SourceUser is a peer provided via (*Torrent).AddPeers.
	SourceUser
)

func (s PeerSource) String() string {
	switch s {
	case SourceTracker:
		return "tracker"
	case SourceDHT:
		return "DHT"
	case SourceIncoming:
		return "incoming"
	case SourceUser:
		return "user"
	default:
		return "unknown"
	}
}

//Peer is a member of a torrent's swarm.
type Peer struct {
	//P holds the wire level info we have for the peer.
	P      tracker.Peer
	source PeerSource
}

//addrToPeer forms a Peer out of an address in host:port form.
//A zero Peer is returned if the address is not parsable.
func addrToPeer(address string, source PeerSource) Peer {
	ap, err := parseAddr(address)
	if err != nil {
		return Peer{source: source}
	}
	return Peer{
		P: tracker.Peer{
			IP:   ap.ip,
			Port: ap.port,
		},
		source: source,
	}
}

type addrPort struct {
	ip   net.IP
	port int
}

func parseAddr(address string) (addrPort, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return addrPort{}, err
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return addrPort{}, err
	}
	return addrPort{
		ip:   net.ParseIP(host),
		port: portInt,
	}, nil
}
