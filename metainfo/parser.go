package metainfo

import (
	"io"
	"io/ioutil"
)

//Parser parses an input source (e.g file, reader) into a MetaInfo struct
type Parser interface {
	Parse() (*MetaInfo, error)
}

//FileParser parses a file with name Filename
type FileParser struct {
	Filename string
}

func (fp *FileParser) Parse() (*MetaInfo, error) {
	return LoadMetainfoFile(fp.Filename)
}

type ReaderParser struct {
	R io.Reader
}

//Parse reads until EOF from R and then parses the read bytes
func (rp *ReaderParser) Parse() (*MetaInfo, error) {
	data, err := ioutil.ReadAll(rp.R)
	if err != nil {
		return nil, err
	}
	return loadMetainfoFromBytes(data)
}
