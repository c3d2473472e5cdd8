package torrent

//lessFunc breaks the tie between two pieces that both have all of their
//blocks unrequested. Pieces with requested blocks are ordered by their
//completeness before the strategy is consulted (see pieces.less).
type lessFunc func(p1, p2 *piece) bool

//lessByRarity prioritizes the piece fewer peers in the swarm have. Ties
//are broken by preferring the lowest index, so the order in which fresh
//pieces are picked is deterministic.
func lessByRarity(p1, p2 *piece) bool {
	if p1.rarity != p2.rarity {
		return p1.rarity < p2.rarity
	}
	return p1.index < p2.index
}

//lessByIndex downloads pieces in order. Wasteful for swarm health but
//useful when the data is consumed sequentially while downloading.
func lessByIndex(p1, p2 *piece) bool {
	return p1.index < p2.index
}
