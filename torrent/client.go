package torrent

import (
	"crypto/rand"
	"errors"
	"expvar"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/lkslts64/riptide/metainfo"
	"github.com/lkslts64/riptide/peer_wire"
	"github.com/lkslts64/riptide/torrent/storage"
	"github.com/sirupsen/logrus"
)

const (
	clientID    = "RT"
	version     = "0001"
	logFileName = "riptide.log"
)

//Client manages multiple torrents and listens for incoming connections from
//peers. Clients are safe for concurrent use.
type Client struct {
	config *Config
	peerID [20]byte
	logger *logrus.Logger
	//counters of various events, mainly for debugging
	counters *expvar.Map

	mu       sync.Mutex
	torrents map[[20]byte]*Torrent

	listener  listener
	port      int
	announcer *trackerAnnouncer
	dhtServer *dht.Server
	reserved  peer_wire.Reserved
	//closed when the client shuts down
	close chan struct{}
}

//Config carries the parameters of a Client. The zero value of any field gets
//replaced with a reasonable default at client creation.
type Config struct {
	//max number of outstanding requests we keep towards a peer
	MaxOnFlightReqs int
	//max number of established connections per torrent
	MaxEstablishedConns int
	//how many connections may request the same block during end game
	EndgameMaxDuplicates int
	//directory the torrent data is stored into
	BaseDir string
	//opens the storage of a torrent, storage.OpenFileStorage is the default
	OpenStorage storage.Open
	DialTimeout time.Duration
	//max time the handshake with a peer may take
	HandshakeTimeout time.Duration
	//if true, the client doesn't announce to trackers
	DisableTrackers bool
	//if true, the client doesn't maintain a DHT node
	DisableDHT bool
	//if true, the client doesn't listen for incoming connections. The DHT
	//gets disabled too since we can't be useful to the network.
	RejectIncomingConnections bool
	//download the pieces of all torrents in order. Hurts swarm health but
	//allows streaming of the data.
	SequentialDownload bool
	//if true, chatty logs are written to the log file
	Debug bool
}

//DefaultConfig returns the configuration we suggest using, with the current
//working directory as the base.
func DefaultConfig() (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return &Config{
		MaxOnFlightReqs:      10,
		MaxEstablishedConns:  55,
		EndgameMaxDuplicates: 2,
		BaseDir:              dir,
		OpenStorage:          storage.OpenFileStorage,
		DialTimeout:          5 * time.Second,
		HandshakeTimeout:     4 * time.Second,
	}, nil
}

func (cfg *Config) setDefaults() error {
	if cfg.MaxOnFlightReqs <= 0 {
		cfg.MaxOnFlightReqs = 10
	}
	if cfg.MaxEstablishedConns <= 0 {
		cfg.MaxEstablishedConns = 55
	}
	if cfg.EndgameMaxDuplicates <= 0 {
		cfg.EndgameMaxDuplicates = 2
	}
	if cfg.OpenStorage == nil {
		cfg.OpenStorage = storage.OpenFileStorage
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 4 * time.Second
	}
	if cfg.BaseDir == "" {
		dir, err := os.Getwd()
		if err != nil {
			return err
		}
		cfg.BaseDir = dir
	}
	return nil
}

//NewClient creates and starts a Client. If cfg is nil, the DefaultConfig is
//used.
func NewClient(cfg *Config) (*Client, error) {
	var err error
	if cfg == nil {
		if cfg, err = DefaultConfig(); err != nil {
			return nil, err
		}
	}
	cc := *cfg
	if err = cc.setDefaults(); err != nil {
		return nil, err
	}
	cl := &Client{
		config:   &cc,
		peerID:   newPeerID(),
		torrents: make(map[[20]byte]*Torrent),
		counters: new(expvar.Map).Init(),
		close:    make(chan struct{}),
	}
	if err = cl.setupLogger(); err != nil {
		return nil, err
	}
	cl.announcer = newTrackerAnnouncer(cl)
	go cl.announcer.run()
	if cl.config.RejectIncomingConnections {
		//we can't serve the network so don't be a DHT member either
		cl.config.DisableDHT = true
	} else {
		if cl.listener, err = listen(cl); err != nil {
			return nil, err
		}
		go cl.acceptForEver()
	}
	if !cl.config.DisableDHT {
		cl.reserved.SetDHT()
		if cl.dhtServer, err = dht.NewServer(nil); err != nil {
			return nil, err
		}
		go func() {
			if _, err := cl.dhtServer.Bootstrap(); err != nil {
				cl.logger.Warnf("dht bootstrap: %s", err)
			}
		}()
	}
	return cl, nil
}

func (cl *Client) setupLogger() error {
	if err := os.MkdirAll(cl.config.BaseDir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(cl.config.BaseDir, logFileName),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	cl.logger = logrus.New()
	cl.logger.SetOutput(f)
	if cl.config.Debug {
		cl.logger.SetLevel(logrus.DebugLevel)
	} else {
		cl.logger.SetLevel(logrus.WarnLevel)
	}
	return nil
}

//newPeerID generates an Azureus style peer id, "-RT0001-" followed by random
//bytes.
func newPeerID() (id [20]byte) {
	header := "-" + clientID + version + "-"
	copy(id[:], header)
	if _, err := rand.Read(id[len(header):]); err != nil {
		panic(err)
	}
	return
}

//ID returns the peer id the client announces itself with.
func (cl *Client) ID() []byte {
	return cl.peerID[:]
}

//addr returns the address the client listens on.
func (cl *Client) addr() string {
	if cl.listener == nil {
		return ""
	}
	return cl.listener.Addr().String()
}

//AddFromFile creates a torrent based on the contents of the metainfo file at
//filename.
func (cl *Client) AddFromFile(filename string) (*Torrent, error) {
	return cl.AddFromParser(&metainfo.FileParser{
		Filename: filename,
	})
}

//AddFromParser creates a torrent from whatever source p parses a metainfo
//file out of.
func (cl *Client) AddFromParser(p metainfo.Parser) (*Torrent, error) {
	mi, err := p.Parse()
	if err != nil {
		return nil, err
	}
	return cl.add(mi)
}

func (cl *Client) add(mi *metainfo.MetaInfo) (*Torrent, error) {
	t := newTorrent(cl)
	t.mi = mi
	if err := cl.addToMaps(t); err != nil {
		return nil, err
	}
	if err := t.gotInfo(); err != nil {
		cl.dropTorrent(mi.Info.Hash)
		return nil, err
	}
	go t.mainLoop()
	return t, nil
}

func (cl *Client) addToMaps(t *Torrent) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	ihash := t.mi.Info.Hash
	if _, ok := cl.torrents[ihash]; ok {
		return errors.New("torrent exists already")
	}
	cl.torrents[ihash] = t
	return nil
}

func (cl *Client) dropTorrent(ihash [20]byte) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.torrents, ihash)
}

func (cl *Client) torrent(ihash [20]byte) (*Torrent, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	t, ok := cl.torrents[ihash]
	return t, ok
}

//ihashes returns a snapshot of the info hashes the client serves. Incoming
//handshakes are accepted only for these.
func (cl *Client) ihashes() map[[20]byte]struct{} {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	m := make(map[[20]byte]struct{}, len(cl.torrents))
	for ihash := range cl.torrents {
		m[ihash] = struct{}{}
	}
	return m
}

//Torrents returns all the torrents the client manages.
func (cl *Client) Torrents() []*Torrent {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	ts := make([]*Torrent, 0, len(cl.torrents))
	for _, t := range cl.torrents {
		ts = append(ts, t)
	}
	return ts
}

//Close closes all the torrents the client manages and stops the listener,
//the tracker announcer and the DHT node. It blocks until all torrents have
//torn down.
func (cl *Client) Close() {
	var wg sync.WaitGroup
	for _, t := range cl.Torrents() {
		wg.Add(1)
		go func(t *Torrent) {
			defer wg.Done()
			t.Close()
		}(t)
	}
	wg.Wait()
	close(cl.close)
	if cl.listener != nil {
		cl.listener.Close()
	}
	if cl.dhtServer != nil {
		cl.dhtServer.Close()
	}
}

//handshake runs the handshake ritual on conn. hs carries our side of it and
//the peer's reply is returned.
func (cl *Client) handshake(conn net.Conn, hs *peer_wire.HandShake) (*peer_wire.HandShake, error) {
	conn.SetDeadline(time.Now().Add(cl.config.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})
	if err := hs.Do(conn, cl.ihashes()); err != nil {
		return nil, err
	}
	return hs, nil
}

func (cl *Client) acceptForEver() {
	for {
		c, err := cl.listener.Accept()
		if err != nil {
			select {
			case <-cl.close:
			default:
				cl.logger.Warnf("accept: %s", err)
			}
			return
		}
		go c.mainLoop()
	}
}

func (cl *Client) dhtPort() uint16 {
	if cl.dhtServer == nil {
		return 0
	}
	udp, ok := cl.dhtServer.Addr().(*net.UDPAddr)
	if !ok {
		return 0
	}
	return uint16(udp.Port)
}
