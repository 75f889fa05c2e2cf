// Package blocks models the rich-text block specs accepted by the document
// tools: boundary parsing and field normalization, conversion to the
// vendor's wire format, and the chunked bulk-insert orchestrator that
// splits large inserts into vendor-sized sequential batches.
package blocks
