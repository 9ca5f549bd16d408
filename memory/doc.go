// Package memory provides the bounded conversation-memory engine.
//
// The engine consumes the session's message stream, extracts proposals,
// decisions, and reactions through a pluggable classifier, compresses
// history into periodic summaries, and keeps every collection under a
// configured cap through eviction. The whole state round-trips through
// a plain snapshot for session save/restore.
package memory
