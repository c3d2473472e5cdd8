package torrent

//torrentLocker freezes the torrent's main goroutine so another goroutine can
//access the torrent's state safely. Usage:
//
//	l := t.newLocker()
//	l.lock()
//	defer l.unlock()
//	if l.closed {
//		//the torrent closed before we got our hands on it
//	}
type torrentLocker struct {
	t *Torrent
	//true if the torrent was closed before the lock was acquired
	closed bool
	doneC  chan struct{}
}

func (l *torrentLocker) lock() {
	ch := make(chan struct{})
	select {
	case l.t.lockC <- ch:
		l.doneC = ch
	case <-l.t.closed:
		l.closed = true
	}
}

func (l *torrentLocker) unlock() {
	if l.doneC != nil {
		close(l.doneC)
	}
}

func (t *Torrent) newLocker() *torrentLocker {
	return &torrentLocker{
		t: t,
	}
}
