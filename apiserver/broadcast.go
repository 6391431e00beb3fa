package apiserver

import "sync"

// ProgressEvent is one piece-completion notification delivered to
// websocket progress subscribers.
type ProgressEvent struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// broadcaster fans out piece-completion events to any number of
// websocket subscribers and tracks the active peer set, implementing
// session.ProgressListener without apiserver needing session's types in
// its own field set.
type broadcaster struct {
	mu    sync.Mutex
	subs  map[chan ProgressEvent]struct{}
	peers map[string]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		subs:  make(map[chan ProgressEvent]struct{}),
		peers: make(map[string]struct{}),
	}
}

func (b *broadcaster) OnPeerConnected(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[addr] = struct{}{}
}

func (b *broadcaster) OnPeerDropped(addr string, _ error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, addr)
}

func (b *broadcaster) OnPieceCompleted(index, total int) {
	ev := ProgressEvent{Index: index, Total: total}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// A slow subscriber drops events rather than blocking the
			// session that produced them.
		}
	}
}

func (b *broadcaster) activePeerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// subscribe registers a new channel for progress events and returns an
// unsubscribe func that must be called exactly once.
func (b *broadcaster) subscribe() (chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}
}
