package storage

//The ReadAt/WriteAt span loops were adapted from anacrolix's torrent
//package, so credits to him.

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/gofrs/flock"
	"github.com/lkslts64/riptide/metainfo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const lockFileName = ".riptide.lock"

var (
	ErrReadNonVerified = errors.New("storage: trying to read non verified piece")
	ErrAlreadyWritten  = errors.New("storage: piece is already written")
)

//FileStorage stores torrent data in regular files, mapping the piece space
//onto the virtual concatenation of the torrent's files.
type FileStorage struct {
	logger *logrus.Logger
	fs     afero.Fs
	dir    string
	mi     *metainfo.MetaInfo
	flk    *flock.Flock

	mu sync.RWMutex
	//pieces written and known to hold correct data
	verified *roaring.Bitmap
}

//OpenFileStorage initializes a storage backed by the OS filesystem under
//baseDir, holding a file lock there so two processes can't transfer into
//the same directory. seed reports whether the data is already complete.
func OpenFileStorage(mi *metainfo.MetaInfo, baseDir string, logger *logrus.Logger) (Storage, bool, error) {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(baseDir, 0777); err != nil {
		return nil, false, fmt.Errorf("storage: %w", err)
	}
	flk := flock.New(filepath.Join(baseDir, lockFileName))
	locked, err := flk.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("storage: lock: %w", err)
	}
	if !locked {
		return nil, false, fmt.Errorf("storage: %s is locked by another process", baseDir)
	}
	s, seed := newFileStorage(mi, fs, baseDir, logger)
	s.flk = flk
	return s, seed, nil
}

func newFileStorage(mi *metainfo.MetaInfo, fs afero.Fs, baseDir string, logger *logrus.Logger) (*FileStorage, bool) {
	s := &FileStorage{
		logger:   logger,
		fs:       fs,
		dir:      baseDir,
		mi:       mi,
		verified: roaring.NewBitmap(),
	}
	seed := s.dataComplete() && s.dataVerified()
	if !seed {
		//all or nothing: partially valid data gets re-downloaded so the
		//write path never trips on pieces verified at open.
		s.verified.Clear()
	}
	return s, seed
}

func (s *FileStorage) Close() error {
	if s.flk != nil {
		return s.flk.Unlock()
	}
	return nil
}

//check that all files have the required size
func (s *FileStorage) dataComplete() bool {
	for _, fi := range s.mi.Info.FilesInfo() {
		st, err := s.fs.Stat(s.fileInfoName(fi))
		if err != nil || st.Size() < int64(fi.Len) {
			return false
		}
	}
	return true
}

//hash every piece, remembering the correct ones
func (s *FileStorage) dataVerified() bool {
	all := true
	for i := 0; i < s.mi.Info.NumPieces(); i++ {
		if !s.hashPiece(i, s.mi.Info.PieceLength(i)) {
			all = false
			continue
		}
		s.mu.Lock()
		s.verified.Add(uint32(i))
		s.mu.Unlock()
	}
	return all
}

// Returns EOF on short or missing file.
func (s *FileStorage) readFileAt(fi metainfo.File, b []byte, off int64) (n int, err error) {
	f, err := s.fs.Open(s.fileInfoName(fi))
	if os.IsNotExist(err) {
		// File missing is treated the same as a short file.
		err = io.EOF
		return
	}
	if err != nil {
		return
	}
	defer f.Close()
	flen := int64(fi.Len)
	// Limit the read to within the expected bounds of this file.
	if int64(len(b)) > flen-off {
		b = b[:flen-off]
	}
	for off < flen && len(b) != 0 {
		n1, err1 := f.ReadAt(b, off)
		b = b[n1:]
		n += n1
		off += int64(n1)
		if n1 == 0 {
			err = err1
			break
		}
	}
	return
}

//returns the piece index that off corresponds to.
func (s *FileStorage) pieceIndex(off int64) int {
	return int(off / int64(s.mi.Info.PieceLen))
}

//returns the offset that pieceIndex starts.
func (s *FileStorage) pieceOff(pieceIndex int) int64 {
	return int64(pieceIndex) * int64(s.mi.Info.PieceLen)
}

//ReadBlock is like ReadAt but fails if the piece to be read is not verified
func (s *FileStorage) ReadBlock(b []byte, off int64) (n int, err error) {
	s.mu.RLock()
	ok := s.verified.Contains(uint32(s.pieceIndex(off)))
	s.mu.RUnlock()
	if !ok {
		err = ErrReadNonVerified
		return
	}
	return s.ReadAt(b, off)
}

// Only returns EOF at the end of the torrent. Premature EOF is ErrUnexpectedEOF.
func (s *FileStorage) ReadAt(b []byte, off int64) (n int, err error) {
	for _, fi := range s.mi.Info.FilesInfo() {
		flen := int64(fi.Len)
		for off < flen {
			n1, err1 := s.readFileAt(fi, b, off)
			n += n1
			off += int64(n1)
			b = b[n1:]
			if len(b) == 0 {
				// Got what we need.
				return
			}
			if n1 != 0 {
				// Made progress.
				continue
			}
			err = err1
			if err == io.EOF {
				// Lies.
				err = io.ErrUnexpectedEOF
			}
			return
		}
		off -= flen
	}
	err = io.EOF
	return
}

//WritePiece persists a whole piece at once. The caller has already matched
//data against the piece's hash.
func (s *FileStorage) WritePiece(pieceIndex int, data []byte) (n int, err error) {
	s.mu.RLock()
	written := s.verified.Contains(uint32(pieceIndex))
	s.mu.RUnlock()
	if written {
		err = ErrAlreadyWritten
		return
	}
	n, err = s.WriteAt(data, s.pieceOff(pieceIndex))
	if err != nil {
		return
	}
	s.mu.Lock()
	s.verified.Add(uint32(pieceIndex))
	s.mu.Unlock()
	return
}

func (s *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	for _, fi := range s.mi.Info.FilesInfo() {
		flen := int64(fi.Len)
		if off >= flen {
			off -= flen
			continue
		}
		n1 := len(p)
		if int64(n1) > flen-off {
			n1 = int(flen - off)
		}
		name := s.fileInfoName(fi)
		s.fs.MkdirAll(filepath.Dir(name), 0777)
		var f afero.File
		f, err = s.fs.OpenFile(name, os.O_WRONLY|os.O_CREATE, 0666)
		if err != nil {
			return
		}
		n1, err = f.WriteAt(p[:n1], off)
		// TODO: On some systems, write errors can be delayed until the Close.
		f.Close()
		if err != nil {
			return
		}
		n += n1
		off = 0
		p = p[n1:]
		if len(p) == 0 {
			break
		}
	}
	return
}

func (s *FileStorage) fileInfoName(fi metainfo.File) string {
	return filepath.Join(append([]string{s.dir, s.mi.Info.Name}, fi.Path...)...)
}

//HashPiece hashes the on disk data of piece pieceIndex whose length is len
//and reports whether the hash is the expected one.
func (s *FileStorage) HashPiece(pieceIndex, len int) (correct bool) {
	return s.hashPiece(pieceIndex, len)
}

func (s *FileStorage) hashPiece(pieceIndex, len int) (correct bool) {
	hasher := sha1.New()
	_len := int64(len)
	n, err := io.Copy(hasher, io.NewSectionReader(s, s.pieceOff(pieceIndex), _len))
	if n == _len {
		hash := hasher.Sum(nil)
		actualHash := s.mi.Info.PieceHash(pieceIndex)
		correct = compareHashes(hash, actualHash)
		return
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		s.logger.Printf("error hashing piece %d: %v", pieceIndex, err)
	}
	return
}

func compareHashes(a, b []byte) bool {
	if a == nil || b == nil {
		panic("expecting non nil hash")
	}
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
