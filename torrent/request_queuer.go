package torrent

//requestQueuer manages the requests a conn sends to its peer. Up to
//`capacity` requests are considered on flight (i.e written to the peer
//connection) and any surplus is held in a pending queue until one of the
//on flight ones completes.
type requestQueuer struct {
	onFlight map[block]struct{}
	pending  *blockQueue
	capacity int
}

func newRequestQueuer(capacity int) *requestQueuer {
	return &requestQueuer{
		onFlight: make(map[block]struct{}),
		pending:  newBlockQueue(capacity),
		capacity: capacity,
	}
}

//queue returns ok == false if both the on flight set and the pending queue
//are full. ready == true means the block should be requested immediately.
func (rq *requestQueuer) queue(bl block) (ready, ok bool) {
	switch {
	case len(rq.onFlight) < rq.capacity:
		rq.onFlight[bl] = struct{}{}
		ready, ok = true, true
	case !rq.pending.full():
		rq.pending.push(bl)
		ok = true
	}
	return
}

//deleteCompleted removes bl from the on flight set and promotes the head of
//the pending queue (if any), which should then be requested.
func (rq *requestQueuer) deleteCompleted(bl block) (ready block, ok bool) {
	if ok = rq.frontRemove(bl); !ok {
		return
	}
	if rq.pending.empty() {
		return
	}
	ready = rq.pending.pop()
	rq.onFlight[ready] = struct{}{}
	return
}

//remove drops bl wherever it resides. send == true means a Cancel should be
//written to the peer because the request was already on flight.
func (rq *requestQueuer) remove(bl block) (send, ok bool) {
	if rq.frontRemove(bl) {
		return true, true
	}
	for i, pending := range rq.pending.blocks {
		if pending == bl {
			rq.pending.blocks = append(rq.pending.blocks[:i], rq.pending.blocks[i+1:]...)
			return false, true
		}
	}
	return false, false
}

func (rq *requestQueuer) discardAll() []block {
	blocks := make([]block, len(rq.pending.blocks))
	copy(blocks, rq.pending.blocks)
	rq.pending.clear()
	for req := range rq.onFlight {
		blocks = append(blocks, req)
	}
	rq.onFlight = make(map[block]struct{})
	return blocks
}

func (rq *requestQueuer) needMore() bool {
	return rq.pending.empty()
}

func (rq *requestQueuer) frontRemove(bl block) bool {
	if rq.frontContains(bl) {
		delete(rq.onFlight, bl)
		return true
	}
	return false
}

func (rq *requestQueuer) frontContains(bl block) bool {
	_, ok := rq.onFlight[bl]
	return ok
}

func (rq *requestQueuer) empty() bool {
	return len(rq.onFlight) == 0 && rq.pending.empty()
}

func (rq *requestQueuer) full() bool {
	return len(rq.onFlight) == rq.capacity && rq.pending.full()
}
