// Package model defines the records mirrored by the sync engine.
//
// This package contains type definitions, wire decoding and inbound
// validation only. Every other internal package imports model; model
// imports nothing internal.
//
// Key design constraints:
//   - Records are a sealed interface (Record); only the five known shapes
//     and Unknown implement it
//   - Client-assigned identifiers use CorrelationID, never a server id type
//   - Message metadata is a tagged variant chosen by message type, with an
//     explicit UnknownMeta fallback
//   - All JSON tags use snake_case
package model
