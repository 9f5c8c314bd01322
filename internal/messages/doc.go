// Package messages keeps each conversation's message list consistent with
// the server while letting the user see their own sends immediately.
//
// A send appears at once as a pending entry keyed by a correlation id. The
// write's acknowledgement replaces it in place; the realtime echo of the
// same write is recognised and dropped, whichever of the two arrives
// first. A failed write marks the entry failed and Retry reissues it under
// the same correlation id.
package messages
