// Package remote defines the boundary between the offline core and the
// host application's network layer. The core never opens sockets itself;
// the embedding app supplies implementations of these interfaces and the
// core decides when to call them.
package remote

import (
	"context"

	"github.com/peatedapp/peated-core/internal/models"
)

// Item is a single server record in wire form. Payload is the exact
// JSON the server returned; the core stores it without interpreting
// anything beyond the id.
type Item struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// Page is one page of a partitioned feed.
type Page struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

// Fetcher retrieves feed pages and individual records from the server.
type Fetcher interface {
	// FetchPage returns one page of the given feed partition. An empty
	// cursor requests the first page. limit is a hint; servers may
	// return fewer items.
	FetchPage(ctx context.Context, partition, cursor string, limit int) (*Page, error)

	// FetchOne returns a single record by id.
	FetchOne(ctx context.Context, id string) (*Item, error)
}

// Ack is the server's response to a replayed mutation. Payload, when
// present, is the authoritative record state after the mutation.
// Toasted and ToastCount cover partial acknowledgements that confirm a
// toggle without echoing the full record.
type Ack struct {
	Payload    []byte `json:"payload"`
	Toasted    *bool  `json:"toasted"`
	ToastCount *int64 `json:"toast_count"`
}

// Mutator sends a queued mutation to the server. Implementations must
// classify failures: network-level errors (timeouts, connection resets,
// offline) should satisfy errors.IsNetwork so the core retries, while
// server rejections (validation, conflicts, 4xx) should satisfy
// errors.IsSemantic so the core rolls back instead of retrying forever.
type Mutator interface {
	// Send replays one operation against the server.
	Send(ctx context.Context, op *models.OfflineOperation) (*Ack, error)
}

// Reachability reports device connectivity. The host app bridges its
// platform network monitor into this interface.
type Reachability interface {
	// Current returns the network state as of now.
	Current() models.NetworkState

	// Changes returns a channel that receives a state on every
	// connectivity transition. The channel is never closed by the core.
	Changes() <-chan models.NetworkState
}
