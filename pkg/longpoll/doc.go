// Package longpoll follows a provider's change feed with a long-polling
// session.
//
// A Session leases a real-time server from its Provider, holds a GET open
// against it until the server reports a change or the lease timeout passes,
// and on a change fetches the next event batch and hands it to a Listener.
// Lease expiry, reconnect requests, stale stream positions and plain network
// errors are handled inside the loop. Only unexpected server responses and
// unrecoverable errors reach Listener.OnException, exactly once, after which
// the session is done. Stopping a session, or cancelling its context, ends
// it without a callback.
//
// A Manager runs several independent sessions, one per watched endpoint.
package longpoll
