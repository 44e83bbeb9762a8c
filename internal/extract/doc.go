// Package extract turns JATS XML articles and esummary entries into records.
//
// Extraction of a single article is a pure function of that article's
// subtree. Pages are split into articles and extracted on a bounded worker
// pool; results keep document order.
package extract
