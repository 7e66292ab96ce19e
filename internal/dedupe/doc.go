// Package dedupe remembers keys for a bounded window so that recently
// retired session identifiers are never handed out again.
package dedupe
