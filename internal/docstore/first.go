package docstore

import "context"

// First runs q once: it waits for the first window of a live query and
// disposes the subscription.
func First(ctx context.Context, s Store, q Query) ([]Document, error) {
	ch := make(chan Window, 1)
	unsub, err := s.QueryOrdered(ctx, q, func(w Window) {
		select {
		case ch <- w:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer unsub()

	select {
	case w := <-ch:
		return w.Documents, w.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
