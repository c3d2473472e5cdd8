package torrent

type blockQueue struct {
	blocks []block
	len    int
}

func newBlockQueue(len int) *blockQueue {
	return &blockQueue{
		len: len,
	}
}

func (q *blockQueue) push(bl block) bool {
	if !q.full() {
		q.blocks = append(q.blocks, bl)
		return true
	}
	return false
}

func (q *blockQueue) peek() (head block) {
	if q.empty() {
		return
	}
	head = q.blocks[0]
	return
}

func (q *blockQueue) pop() (head block) {
	if q.empty() {
		return
	}
	head = q.blocks[0]
	q.blocks = q.blocks[1:]
	return
}

func (q *blockQueue) clear() {
	q.blocks = []block{}
}

func (q *blockQueue) empty() bool {
	return len(q.blocks) == 0
}

func (q *blockQueue) full() bool {
	return len(q.blocks) == q.len
}
