// Package reconciler keeps a client's locally cached list view current by
// applying broadcast events as in-place patches, and marks queries stale when
// an event cannot be expressed as a patch.
package reconciler
