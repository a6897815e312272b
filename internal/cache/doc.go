// Package cache maintains the machine-wide store of extracted package versions.
//
// Several worker processes on one machine may race to extract the same
// package archive. They share no memory, so the only coordination primitive
// is an advisory lock on a sentinel file inside the version directory:
// whoever acquires it performs the extraction, everyone else either returns
// the expected artifact path optimistically or polls until the lock file
// disappears. The artifact file on disk is the authoritative "extracted"
// signal; a freshly started process can observe it with nothing but a stat.
package cache
