// Package harvest drives one query through the E-utilities history server.
//
// A run opens a search context once, then traverses it in each requested
// mode. Every traversal is a sequential loop: compute the window, fetch the
// page, extract it, upsert the records, advance the offset by the chunk
// size. The loop ends on an empty page or when the ceiling is reached.
package harvest
