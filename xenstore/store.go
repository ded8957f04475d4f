package xenstore

import "context"

// StoreAdapter adapts Client's synchronous methods to qmemman.Store's
// context-aware signature. The underlying wire protocol has no mid-call
// cancellation primitive, so ctx is only checked before issuing the call;
// once in flight a call runs to completion.
type StoreAdapter struct {
	Client *Client
}

// NewStoreAdapter wraps an already-dialed Client.
func NewStoreAdapter(c *Client) *StoreAdapter {
	return &StoreAdapter{Client: c}
}

func (a *StoreAdapter) Read(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	return a.Client.Read(key)
}

func (a *StoreAdapter) Write(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.Client.Write(key, value)
}

func (a *StoreAdapter) Directory(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.Client.Directory(key)
}

func (a *StoreAdapter) Watch(ctx context.Context, key string) (<-chan string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.Client.Watch(key)
}
