package mesh

import "sync"

// registry is the only place records live. It does get, create and remove, nothing else.
type registry struct {
	mu    sync.Mutex
	peers map[Key]*peer
}

func newRegistry() *registry {
	return &registry{peers: make(map[Key]*peer)}
}

func (r *registry) get(k Key) (*peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[k]
	return p, ok
}

func (r *registry) getOrCreate(k Key, create func() (*peer, error)) (*peer, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[k]; ok {
		return p, false, nil
	}
	p, err := create()
	if err != nil {
		return nil, false, err
	}
	r.peers[k] = p
	return p, true, nil
}

// remove only deletes the exact record, so a stale actor cannot evict its successor.
func (r *registry) remove(k Key, p *peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.peers[k]; ok && cur == p {
		delete(r.peers, k)
		return true
	}
	return false
}

func (r *registry) snapshot() []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *registry) drain() []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer, 0, len(r.peers))
	for k, p := range r.peers {
		out = append(out, p)
		delete(r.peers, k)
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
