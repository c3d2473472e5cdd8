package metainfo

import (
	"errors"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/lkslts64/riptide/bencode"
)

type AnnounceURL string

type MetaInfo struct {
	Announce     AnnounceURL `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list" empty:"omit"`
	Comment      string      `bencode:"comment" empty:"omit"`
	Created      string      `bencode:"created by" empty:"omit"`
	CreationDate int         `bencode:"creation date" empty:"omit"`
	Encoding     string      `bencode:"encoding" empty:"omit"`
	Info         *InfoDict   `bencode:"info"`
}

//LoadMetainfoFile reads and parses a .torrent file.
func LoadMetainfoFile(fileName string) (*MetaInfo, error) {
	data, err := ioutil.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("load metainfo: cant read .torrent file: %w", err)
	}
	return loadMetainfoFromBytes(data)
}

func loadMetainfoFromBytes(data []byte) (*MetaInfo, error) {
	var meta MetaInfo
	err := bencode.Decode(data, &meta)
	if err != nil {
		return nil, fmt.Errorf("load metainfo: %w", err)
	}
	err = meta.Parse()
	if err != nil {
		return nil, fmt.Errorf("load metainfo: %w", err)
	}
	err = meta.Info.SetInfoHash(data)
	if err != nil {
		return nil, fmt.Errorf("load metainfo: %w", err)
	}
	return &meta, nil
}

//Parse makes some checks based on a torrent file.
//Maybe further checks should be made beyond these.
func (m *MetaInfo) Parse() error {
	if m.Info == nil {
		return errors.New("metainfo parse: no info dict")
	}
	err := m.Info.Parse()
	if err != nil {
		return fmt.Errorf("metainfo parse: %w", err)
	}
	return nil
}

//CreateTorrentFile writes m in its bencoded form at fileName and fills
//m.Info.Hash on the way.
func (m *MetaInfo) CreateTorrentFile(fileName string) error {
	data, err := bencode.Encode(m)
	if err != nil {
		return fmt.Errorf("create torrent: %w", err)
	}
	if err = m.Info.SetInfoHash(data); err != nil {
		return fmt.Errorf("create torrent: %w", err)
	}
	err = ioutil.WriteFile(fileName, data, 0666)
	if err != nil {
		return fmt.Errorf("create torrent: %w", err)
	}
	return nil
}

func (a AnnounceURL) Scrape() string {
	const s = "announce"
	var i int
	if i = strings.LastIndexByte(string(a), '/'); i < 0 {
		return ""
	}
	if len(a) < i+1+len(s) {
		return ""
	}
	if a[i+1:i+len(s)+1] != s {
		return ""
	}
	return string(a[:i+1]) + "scrape" + string(a[i+len(s)+1:])
}
