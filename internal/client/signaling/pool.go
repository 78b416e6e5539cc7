package signaling

import "sync"

// Pool hands out one Socket per endpoint. It is owned by the composition
// root and injected where sockets are needed.
type Pool struct {
	opts Options

	mu      sync.Mutex
	sockets map[string]*Socket
}

func NewPool(opts Options) *Pool {
	return &Pool{opts: opts, sockets: make(map[string]*Socket)}
}

// Socket returns the socket for endpoint, creating it on first use.
// The socket is not connected until Connect is called.
func (p *Pool) Socket(endpoint string) *Socket {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sockets[endpoint]; ok {
		return s
	}
	s := NewSocket(endpoint, p.opts)
	p.sockets[endpoint] = s
	return s
}

// Close closes every socket handed out so far.
func (p *Pool) Close() {
	p.mu.Lock()
	sockets := make([]*Socket, 0, len(p.sockets))
	for _, s := range p.sockets {
		sockets = append(sockets, s)
	}
	p.sockets = make(map[string]*Socket)
	p.mu.Unlock()

	for _, s := range sockets {
		s.Close()
	}
}
