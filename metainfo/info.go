package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/lkslts64/riptide/bencode"
)

const pieceHashSize = 20

//InfoDict contains all the basic information about
//about the files that the .torrent file is mentioning.
type InfoDict struct {
	Files    []File `bencode:"files" empty:"omit"`
	Len      int    `bencode:"length" empty:"omit"`
	Md5      []byte `bencode:"md5sum" empty:"omit"`
	Name     string `bencode:"name" empty:"omit"`
	PieceLen int    `bencode:"piece length"`
	Pieces   []byte `bencode:"pieces"`
	Private  int    `bencode:"private" empty:"omit"`
	//store info hash - we dont want to compute it every time
	Hash [20]byte `bencode:"-"`
}

//File contains information about a specific file
//in a .torrent file.
type File struct {
	Len  int      `bencode:"length"`
	Md5  []byte   `bencode:"md5sum" empty:"omit"`
	Path []string `bencode:"path"`
}

func (info *InfoDict) Parse() error {
	if len(info.Pieces)%pieceHashSize != 0 {
		return errors.New("info parse: SHA-1 hash of pieces has not the right length")
	}
	if info.PieceLen <= 0 {
		return errors.New("info parse: non positive piece length")
	}
	if info.Len != 0 && info.Files != nil {
		return errors.New("info parse: both length and files are present")
	}
	return nil
}

//SetInfoHash computes the info hash from the raw bencoded metainfo data and
//stores it in info.Hash.
func (info *InfoDict) SetInfoHash(data []byte) error {
	const key = "info"
	infoBenc, ok, err := bencode.Get(data, key)
	if !ok {
		return fmt.Errorf("set info hash: key %s doesn't exist in dict", key)
	}
	if err != nil {
		return fmt.Errorf("set info hash: %w", err)
	}
	info.Hash = sha1.Sum(infoBenc)
	return nil
}

func (info *InfoDict) TotalLength() (total int) {
	if info.Files == nil {
		total = info.Len
		return
	}
	for _, f := range info.Files {
		total += f.Len
	}
	return
}

//FilesInfo gives a uniform view of the torrent's files. Single file
//torrents come out as one File with an empty Path.
func (info *InfoDict) FilesInfo() []File {
	if info.Files == nil {
		return []File{
			{Len: info.Len},
		}
	}
	return info.Files
}

func (info *InfoDict) NumPieces() int {
	return len(info.Pieces) / pieceHashSize
}

//PieceLength is the length of piece i in bytes. All pieces have length
//PieceLen except perhaps the last one which may be shorter.
func (info *InfoDict) PieceLength(i int) int {
	if i == info.NumPieces()-1 {
		if last := info.TotalLength() % info.PieceLen; last != 0 {
			return last
		}
	}
	return info.PieceLen
}

func (info *InfoDict) PiecesHash() [][]byte {
	h := [][]byte{}
	for i := 0; i < len(info.Pieces); i += pieceHashSize {
		h = append(h, info.Pieces[i:i+pieceHashSize])
	}
	return h
}

func (info *InfoDict) PieceHash(i int) []byte {
	return info.Pieces[i*pieceHashSize : i*pieceHashSize+pieceHashSize]
}
