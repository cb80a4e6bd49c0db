// Package dedupe provides webhook event deduplication using a bounded
// recency window of external message IDs.
package dedupe
