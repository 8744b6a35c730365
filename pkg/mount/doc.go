// Package mount provides the live mount-table oracle and the generic mount
// path used for block-device volumes. The oracle rescans the kernel mount
// table on every query; recovery scripts mount and unmount volumes
// underneath us, so cached state would lie.
package mount
