package types

// Client receives dispatched requests. Process is called once per request, in
// offset order within an aggregate, from the scheduling goroutine.
type Client interface {
	Process(req Request)
}

// BatchClient is implemented by clients that accept an aggregated request in
// one call. The engine uses ProcessBatch for any aggregate of two or more
// requests.
type BatchClient interface {
	Client
	ProcessBatch(reqs []Request)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(req Request)

// Process calls f(req).
func (f ClientFunc) Process(req Request) {
	f(req)
}
