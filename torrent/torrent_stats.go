package torrent

//Stats carries transfer statistics of a Torrent. The zero value is the state
//of a torrent that hasn't transferred any data yet.
type Stats struct {
	//bytes of verified data we have downloaded from the swarm
	BytesDownloaded int
	//bytes we have uploaded to the swarm
	BytesUploaded int
	//bytes we are missing to have the complete data
	BytesLeft int
	//pieces that are verified and written to storage
	OwnedPieces int
	TotalPieces int
	//peers we have an established connection with
	ConnectedPeers int
}

func (s *Stats) blockDownloaded(n int) {
	s.BytesDownloaded += n
}

func (s *Stats) blockUploaded(n int) {
	s.BytesUploaded += n
}

func (s *Stats) onPieceDownload(pieceLen int) {
	s.BytesLeft -= pieceLen
	s.OwnedPieces++
}
