// Package store is the client-side state container every component writes
// to and the UI reads from.
//
// The store holds:
//   - Conversations: ordered message lists, pending entries included
//   - Typing: who is typing where, filtered by ExpiresAt on every read
//   - Presence: last accepted availability per user
//   - Call: the single call view (session, machine state, stream info)
//   - Unread counters, the active conversation and app visibility
//
// # Ownership
//
// Components mutate the store from the loop goroutine only. Readers may
// call any accessor from any goroutine; every value returned is a copy.
//
// # Change Feed
//
// Watch registers a callback invoked after every mutation, on the goroutine
// that made it (the loop). Callbacks must not block.
package store
