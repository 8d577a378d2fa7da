package hpt

// Barrier is the set of processor primitives the invalidation protocol is
// built from.
type Barrier interface {
	// PTESync waits until all earlier page table updates are visible to
	// every table walker.
	PTESync()

	// TLBIE broadcasts the invalidation of a virtual page to every
	// processor.
	TLBIE(vpn VPN)

	// EIEIO orders the preceding storage accesses before the following.
	EIEIO()

	// TLBSync blocks until every processor has acknowledged all the
	// invalidations broadcast so far.
	TLBSync()
}
