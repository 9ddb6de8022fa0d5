// Package chat implements the client-side synchronization core for a
// marketplace conversation: it reconciles the paginated REST message history
// with the live push stream, deduplicates across the two sources via a
// timestamp watermark, and coordinates typing and presence signals.
//
// Ownership model:
//   - Session owns all per-conversation state (store, watermark, flags) and
//     resets it atomically on conversation switch.
//   - The realtime connection is process-wide and injected; Session only
//     observes its health.
//   - The live channel is the sole writer of confirmed messages; sends go
//     through the HistoryAPI and become visible via their channel echo.
package chat
