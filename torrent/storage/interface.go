package storage

import (
	"github.com/lkslts64/riptide/metainfo"
	"github.com/sirupsen/logrus"
)

//Open opens (or creates) the storage a torrent's data lives in. It reports
//through seed whether the data is already complete and verified.
type Open func(mi *metainfo.MetaInfo, baseDir string, logger *logrus.Logger) (s Storage, seed bool, err error)

//Storage is the interface every storage should adhere to
type Storage interface {
	//ReadBlock reads into b at off. It fails with ErrReadNonVerified if
	//the piece the offset belongs to hasn't been written yet.
	ReadBlock(b []byte, off int64) (n int, err error)
	//WritePiece persists a whole piece at once. Callers hand over data
	//they have already verified against the metainfo hashes. Writing the
	//same piece twice fails with ErrAlreadyWritten.
	WritePiece(pieceIndex int, data []byte) (n int, err error)
	//HashPiece hashes the on disk data of piece pieceIndex whose length
	//is len and reports whether it matches the metainfo.
	HashPiece(pieceIndex int, len int) (correct bool)
	//Close releases any resources the storage holds (locks, handles).
	Close() error
}
