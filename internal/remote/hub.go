package remote

import (
	"sync"

	"github.com/peatedapp/peated-core/internal/models"
)

// Hub is a push-based Reachability implementation. The host app feeds
// its platform reachability callbacks into Push; core components
// observe through Current and Changes. Subscription channels are never
// closed and always hold at most the latest state.
type Hub struct {
	mu    sync.Mutex
	state models.NetworkState
	subs  []chan models.NetworkState
}

// NewHub creates a hub starting from the given state. Hosts that have
// not probed yet should start from models.Offline; the first real
// report then triggers a transition.
func NewHub(initial models.NetworkState) *Hub {
	return &Hub{state: initial}
}

// Current returns the last pushed state.
func (h *Hub) Current() models.NetworkState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Changes returns a new subscription. Slow consumers never block Push;
// a pending unread state is replaced by the newer one.
func (h *Hub) Changes() <-chan models.NetworkState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan models.NetworkState, 1)
	h.subs = append(h.subs, ch)
	return ch
}

// Push records a new reachability state and notifies subscribers.
// Repeated reports of the unchanged state are dropped; mobile
// reachability callbacks re-fire on app foregrounding.
func (h *Hub) Push(state models.NetworkState) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if state == h.state {
		return
	}
	h.state = state

	for _, ch := range h.subs {
		select {
		case ch <- state:
		default:
			// Evict the stale pending state, then deliver the latest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
}
