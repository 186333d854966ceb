// Package pagination drives a post list through several pages in a row.
//
// The list only ever has one fetch in flight, so pages are loaded strictly
// one after another: each LoadMore must complete before the next is issued.
//
// Example usage:
//
//	drainer := pagination.NewDrainer(list, pagination.DefaultConfig())
//	summary, err := drainer.Drain(ctx)
//
// The drainer stops when:
//   - MaxPages pages have been loaded
//   - a page comes back empty (the collection is exhausted)
//   - a load fails (rows loaded so far are kept)
//   - a fetch is already in flight elsewhere
//   - ctx is cancelled
package pagination
