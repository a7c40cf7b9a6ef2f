package router

import "github.com/wirebus/busmux/message"

// Filter is a bounded subscription to messages matching a Predicate. It is
// registered with Router.Filter and must be drained through C(); a filter
// that is never drained will start dropping its oldest buffered message
// once full rather than block the router's dispatch loop.
type Filter struct {
	predicate Predicate
	ch        chan *message.Message
	router    *Router
}

// defaultFilterBuffer is used when Router.Filter is called with bufSize <= 0.
const defaultFilterBuffer = 16

// Filter registers a new subscription. Messages for which pred returns true
// are delivered on the returned Filter's channel, dropping the oldest
// buffered message if the channel of size bufSize is full.
func (r *Router) Filter(pred Predicate, bufSize int) *Filter {
	if bufSize <= 0 {
		bufSize = defaultFilterBuffer
	}
	f := &Filter{
		predicate: pred,
		ch:        make(chan *message.Message, bufSize),
		router:    r,
	}
	r.mu.Lock()
	r.filters = append(r.filters, f)
	r.mu.Unlock()
	return f
}

// C returns the channel messages are delivered on. It is closed when the
// filter is removed or the router is closed.
func (f *Filter) C() <-chan *message.Message {
	return f.ch
}

// Close removes the subscription and closes its channel. Close is
// idempotent; closing a filter that has already been removed by Router.Close
// is a no-op.
func (f *Filter) Close() {
	f.router.mu.Lock()
	defer f.router.mu.Unlock()
	for i, other := range f.router.filters {
		if other == f {
			f.router.filters = append(f.router.filters[:i], f.router.filters[i+1:]...)
			close(f.ch)
			return
		}
	}
}

// MatchAll is a Predicate that accepts every message; useful for an
// eavesdropping filter on a bus connection with match rule eavesdrop=true.
func MatchAll(*message.Message) bool { return true }

// MatchSignal returns a Predicate that accepts signals on the given
// interface, or any interface when iface is "".
func MatchSignal(iface string) Predicate {
	return func(m *message.Message) bool {
		if m.Header.Type != message.TypeSignal {
			return false
		}
		return iface == "" || m.Header.Interface == iface
	}
}
