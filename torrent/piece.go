package torrent

import (
	"errors"
	"sort"

	"github.com/anacrolix/missinggo/bitmap"
)

//pieces holds the download state of all the torrent's pieces. It is
//constructed by the torrent's main goroutine and is managed entirely by it,
//so no synchronization is needed.
type pieces struct {
	t   *Torrent
	pcs []*piece
	//the pieces we don't own yet, sorted by request priority. Rebuilt on
	//every call to getRequests.
	prioritizedPcs []*piece
	//breaks ties between two pieces that have all their blocks unrequested
	piecePickStrategy lessFunc
	//cache of verified pieces
	ownedPieces bitmap.Bitmap
	//true when all missing blocks have been handed out at least once and
	//conns race for the remaining ones
	endgame bool
	//requests are handed out only if this is set
	downloadAllowed bool
}

func newPieces(t *Torrent) *pieces {
	numPieces := t.numPieces()
	pcs := make([]*piece, numPieces)
	for i := 0; i < numPieces; i++ {
		pcs[i] = newPiece(t, i)
	}
	strategy := lessByRarity
	if t.cl.config.SequentialDownload {
		strategy = lessByIndex
	}
	return &pieces{
		t:                 t,
		pcs:               pcs,
		piecePickStrategy: strategy,
	}
}

func (p *pieces) valid(i int) bool {
	return i >= 0 && i < len(p.pcs)
}

func (p *pieces) setDownloadAllowed(allowed bool) {
	p.downloadAllowed = allowed
}

//less orders pieces by request priority. Pieces that are closer to
//completion are preferred because if we have some blocks of a piece we want
//the rest of them sooner, in order to start uploading the piece sooner.
//Pieces with no unrequested blocks go last.
func (p *pieces) less(p1, p2 *piece) bool {
	switch {
	case !p1.hasUnrequestedBlocks():
		return false
	case !p2.hasUnrequestedBlocks():
		return true
	case p1.allBlocksUnrequested() && p2.allBlocksUnrequested():
		return p.piecePickStrategy(p1, p2)
	}
	c1, c2 := p1.completeness(), p2.completeness()
	if c1 != c2 {
		return c1 > c2
	}
	return p.piecePickStrategy(p1, p2)
}

func (p *pieces) sortPrioritized() {
	p.prioritizedPcs = p.prioritizedPcs[:0]
	for _, piece := range p.pcs {
		if !p.ownedPieces.Get(piece.index) {
			p.prioritizedPcs = append(p.prioritizedPcs, piece)
		}
	}
	sort.Slice(p.prioritizedPcs, func(i, j int) bool {
		return p.less(p.prioritizedPcs[i], p.prioritizedPcs[j])
	})
}

//getRequests fills reqs with blocks that should be requested from a peer
//that owns the pieces in peerPieces, marks them as pending and returns how
//many blocks it wrote. During end game blocks are not marked as pending, so
//the same ones may be handed to multiple conns.
func (p *pieces) getRequests(peerPieces bitmap.Bitmap, reqs []block) (n int) {
	if !p.downloadAllowed {
		return 0
	}
	if p.endgame {
		return p.endgameRequests(peerPieces, reqs)
	}
	p.sortPrioritized()
	for _, piece := range p.prioritizedPcs {
		if n == len(reqs) {
			break
		}
		if !piece.hasUnrequestedBlocks() {
			//the ones after this have no unrequested blocks either
			break
		}
		if !peerPieces.Get(piece.index) {
			continue
		}
		for _, bl := range piece.unrequestedBlocksSlc(len(reqs) - n) {
			piece.makeBlockPending(bl.off)
			reqs[n] = bl
			n++
		}
	}
	return
}

//all the blocks we are missing from pieces the peer has, without state
//transitions
func (p *pieces) endgameRequests(peerPieces bitmap.Bitmap, reqs []block) (n int) {
	for _, piece := range p.pcs {
		if n == len(reqs) {
			break
		}
		if p.ownedPieces.Get(piece.index) || !peerPieces.Get(piece.index) {
			continue
		}
		for i := 0; i < piece.blocks && n < len(reqs); i++ {
			if piece.completeBlocks.Get(i) {
				continue
			}
			reqs[n] = piece.blockAtIndex(i)
			n++
		}
	}
	return
}

//discardRequests puts back blocks that were handed out with getRequests but
//won't be downloaded after all (e.g the conn that administered them got
//choked or dropped).
func (p *pieces) discardRequests(reqs []block) {
	for _, req := range reqs {
		pc := p.pcs[req.pc]
		//end game blocks were never pending
		if pc.pendingGet(req.off) {
			pc.makeBlockUnrequested(req.off)
		}
	}
}

//makeBlockComplete marks the block at off of piece i as downloaded and
//remembers that ci contributed it. Returns false if the block was complete
//already (end game duplicates).
func (p *pieces) makeBlockComplete(i, off int, ci *connInfo) bool {
	return p.pcs[i].makeBlockComplete(ci, off)
}

//pieceVerified moves piece i to the owned set and credits the conns that
//contributed its blocks.
func (p *pieces) pieceVerified(i int) {
	pc := p.pcs[i]
	pc.verified = true
	p.ownedPieces.Set(i, true)
	for _, ci := range pc.contributors {
		ci.stats.goodPiecesContributions++
	}
	pc.contributors = nil
}

//pieceVerificationFailed makes all blocks of piece i unrequested so they
//will be downloaded again, and returns the conns that contributed to the
//corrupt data.
func (p *pieces) pieceVerificationFailed(i int) (contributors []*connInfo) {
	pc := p.pcs[i]
	contributors = pc.contributors
	pc.contributors = nil
	for _, ci := range contributors {
		ci.stats.badPiecesContributions++
	}
	pc.makeAllUnrequested()
	if p.endgame {
		//the piece's blocks are requestable again so the end game is over
		p.endgame = false
	}
	return
}

//revertPiece throws away the downloaded blocks of piece i without blaming
//anyone (e.g the piece couldn't be written to storage)
func (p *pieces) revertPiece(i int) {
	pc := p.pcs[i]
	pc.contributors = nil
	pc.makeAllUnrequested()
	if p.endgame {
		p.endgame = false
	}
}

//setupEndgame makes the missing blocks of all not-owned pieces requestable
//again so conns can race for the last ones.
func (p *pieces) setupEndgame() {
	p.endgame = true
	for _, piece := range p.pcs {
		if p.ownedPieces.Get(piece.index) {
			continue
		}
		piece.makeAllMissingUnrequested()
	}
}

//endgame should start when every missing block has been handed out already
//and we are still missing some pieces
func (p *pieces) shouldEnterEndgame() bool {
	if p.endgame || !p.downloadAllowed {
		return false
	}
	return !p.haveAll() && !p.hasUnrequestedBlocks()
}

func (p *pieces) hasUnrequestedBlocks() bool {
	for _, piece := range p.pcs {
		if !p.ownedPieces.Get(piece.index) && piece.hasUnrequestedBlocks() {
			return true
		}
	}
	return false
}

func (p *pieces) haveAll() bool {
	return p.ownedPieces.Len() == len(p.pcs)
}

func (p *pieces) pieceRarityInc(i int) {
	p.pcs[i].rarity++
}

func (p *pieces) bitmapRarityInc(bm bitmap.Bitmap) {
	bm.IterTyped(func(i int) bool {
		if p.valid(i) {
			p.pcs[i].rarity++
		}
		return true
	})
}

func (p *pieces) bitmapRarityDec(bm bitmap.Bitmap) {
	bm.IterTyped(func(i int) bool {
		if p.valid(i) {
			p.pcs[i].rarity--
		}
		return true
	})
}

//piece is constructed by the torrent's main goroutine and is managed
//entirely by it. Blocks are in one of three states and each block lies in a
//single state at a time. All blocks are initially unrequested. When a block
//is handed to a conn for download it becomes pending and when the peer
//delivers it, complete.
//At all times this holds:
//unrequestedBlocks.Len()+pendingBlocks()+completeBlocks.Len() == blocks
type piece struct {
	t     *Torrent
	index int
	//num of blocks
	blocks       int
	lastBlockLen int
	//how many conns in the swarm have this piece
	rarity int
	//hashed succesfully and written to storage
	verified bool
	//keeps track of which blocks are not requested for download yet
	//(keyed by block index)
	unrequestedBlocks bitmap.Bitmap
	//keeps track of which blocks we have downloaded (keyed by block index)
	completeBlocks bitmap.Bitmap
	//conns that contributed blocks to this piece
	contributors []*connInfo
}

func newPiece(t *Torrent, i int) *piece {
	blockSz := t.blockRequestSize
	pieceLen := t.pieceLen(i)
	lastBlockLen := pieceLen % blockSz
	var extra int
	if lastBlockLen != 0 {
		extra = 1
	} else {
		lastBlockLen = blockSz
	}
	blocks := pieceLen/blockSz + extra
	var unrequestedBlocks bitmap.Bitmap
	unrequestedBlocks.AddRange(0, blocks)
	return &piece{
		t:                 t,
		index:             i,
		blocks:            blocks,
		lastBlockLen:      lastBlockLen,
		unrequestedBlocks: unrequestedBlocks,
	}
}

func (p *piece) blockIndex(off int) int {
	return off / p.t.blockRequestSize
}

func (p *piece) blockOffset(i int) int {
	return i * p.t.blockRequestSize
}

//length of the block at index i
func (p *piece) blockLen(i int) int {
	if i == p.blocks-1 {
		return p.lastBlockLen
	}
	return p.t.blockRequestSize
}

var errLargeOffset = errors.New("offset too big")

var errDivOffset = errors.New("offset remainder with block size is not zero")

//length of the block at offset off
func (p *piece) blockLenSafe(off int) (int, error) {
	if off%p.t.blockRequestSize != 0 {
		return 0, errDivOffset
	}
	switch i := p.blockIndex(off); {
	case i == p.blocks-1:
		return p.lastBlockLen, nil
	case i < p.blocks-1:
		return p.t.blockRequestSize, nil
	default:
		return 0, errLargeOffset
	}
}

func (p *piece) blockAtIndex(i int) block {
	return block{
		pc:  p.index,
		off: p.blockOffset(i),
		len: p.blockLen(i),
	}
}

func (p *piece) unrequestedBlocksSlc(limit int) (blocks []block) {
	count := 0
	p.unrequestedBlocks.IterTyped(func(i int) bool {
		if count < limit {
			blocks = append(blocks, p.blockAtIndex(i))
			count++
			return true
		}
		return false
	})
	return
}

func (p *piece) pendingBlocks() int {
	return p.blocks - p.unrequestedBlocks.Len() - p.completeBlocks.Len()
}

func (p *piece) pendingGet(off int) bool {
	i := p.blockIndex(off)
	return i < p.blocks && !p.unrequestedBlocks.Get(i) && !p.completeBlocks.Get(i)
}

//pieces closer to completion are downloaded first
func (p *piece) completeness() int {
	return p.completeBlocks.Len() + p.pendingBlocks() - p.unrequestedBlocks.Len()
}

func (p *piece) allBlocksUnrequested() bool {
	return p.unrequestedBlocks.Len() == p.blocks
}

func (p *piece) hasUnrequestedBlocks() bool {
	return p.unrequestedBlocks.Len() > 0
}

func (p *piece) hasAllBlocks() bool {
	return p.completeBlocks.Len() == p.blocks
}

func (p *piece) makeBlockPending(off int) {
	i := p.blockIndex(off)
	if !p.unrequestedBlocks.Get(i) {
		panic("piece: expected block to be unrequested")
	}
	p.unrequestedBlocks.Set(i, false)
}

//assumes the block was pending before
func (p *piece) makeBlockUnrequested(off int) {
	i := p.blockIndex(off)
	if p.unrequestedBlocks.Get(i) || p.completeBlocks.Get(i) {
		panic("piece: expected block to be pending")
	}
	p.unrequestedBlocks.Set(i, true)
}

//reports whether the block got newly completed
func (p *piece) makeBlockComplete(ci *connInfo, off int) bool {
	i := p.blockIndex(off)
	if p.completeBlocks.Get(i) {
		return false
	}
	p.unrequestedBlocks.Set(i, false)
	p.completeBlocks.Set(i, true)
	if ci != nil && !containsConn(p.contributors, ci) {
		p.contributors = append(p.contributors, ci)
	}
	return true
}

func (p *piece) makeAllMissingUnrequested() {
	for i := 0; i < p.blocks; i++ {
		if !p.completeBlocks.Get(i) {
			p.unrequestedBlocks.Set(i, true)
		}
	}
}

//hash verification failed so every block must be downloaded again
func (p *piece) makeAllUnrequested() {
	p.completeBlocks = bitmap.Bitmap{}
	var unrequested bitmap.Bitmap
	unrequested.AddRange(0, p.blocks)
	p.unrequestedBlocks = unrequested
}
