package apiserver

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/halvorsen/gorent/piecemgr"
	"github.com/halvorsen/gorent/session"
)

// TorrentStatus is the JSON shape returned by the listing and detail
// endpoints.
type TorrentStatus struct {
	InfoHash   string   `json:"info_hash"`
	Name       string   `json:"name"`
	Pieces     int      `json:"pieces"`
	PiecesDone int      `json:"pieces_done"`
	Peers      []string `json:"peers"`
	Complete   bool     `json:"complete"`
}

// Torrent is one download registered with the control API: a session
// paired with the piece manager and broadcaster that back its status
// and progress-stream endpoints. It never touches piecemgr state
// directly beyond the read-only snapshots Manager already exposes
// (spec.md §1's "external collaborator" stays outside the
// single-shared-mutator boundary).
type Torrent struct {
	Name    string
	Manager *piecemgr.Manager
	Session *session.Session

	broadcast *broadcaster
}

// NewTorrent wraps sess/mgr for registration with a Server and creates
// the torrent's progress broadcaster. That broadcaster (see Broadcaster)
// must be installed as the session's Config.Listener before Start runs,
// or the progress stream receives no events.
func NewTorrent(name string, mgr *piecemgr.Manager, sess *session.Session) *Torrent {
	return &Torrent{Name: name, Manager: mgr, Session: sess, broadcast: newBroadcaster()}
}

// Broadcaster returns the session.ProgressListener to install on this
// torrent's session Config before starting it.
func (t *Torrent) Broadcaster() session.ProgressListener { return t.broadcast }

// InfoHashHex is this torrent's info-hash, hex-encoded, used as its
// resource key in the API's URL space.
func (t *Torrent) InfoHashHex() string {
	h := t.Manager.InfoHash()
	return hex.EncodeToString(h[:])
}

// Status snapshots this torrent's progress for the listing/detail
// endpoints.
func (t *Torrent) Status() TorrentStatus {
	bf := t.Manager.GetBitfield()
	total := t.Manager.NumPieces()
	done := 0
	for i := 0; i < total; i++ {
		if bf.Get(i) {
			done++
		}
	}
	return TorrentStatus{
		InfoHash:   t.InfoHashHex(),
		Name:       t.Name,
		Pieces:     total,
		PiecesDone: done,
		Peers:      t.Session.ActivePeers(),
		Complete:   total > 0 && done == total,
	}
}

// Stop closes this torrent's active peer connections through
// Session.Shutdown. It does not cancel a running Session.Start.
func (t *Torrent) Stop() error { return t.Session.Shutdown() }

// Registry is the in-memory set of torrents a Server exposes, keyed by
// hex info-hash.
type Registry struct {
	mu       sync.RWMutex
	torrents map[string]*Torrent
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{torrents: make(map[string]*Torrent)}
}

// Register adds t to the registry, keyed by its info-hash.
func (r *Registry) Register(t *Torrent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.torrents[t.InfoHashHex()] = t
}

// Unregister removes the torrent with the given hex info-hash.
func (r *Registry) Unregister(hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.torrents, hash)
}

// List returns every registered torrent.
func (r *Registry) List() []*Torrent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Torrent, 0, len(r.torrents))
	for _, t := range r.torrents {
		out = append(out, t)
	}
	return out
}

// Get looks up a torrent by its hex info-hash.
func (r *Registry) Get(hash string) (*Torrent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.torrents[hash]
	return t, ok
}

var errNotFound = fmt.Errorf("torrent not found")
