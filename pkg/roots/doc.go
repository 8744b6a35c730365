// Package roots maps symbolic volume names like "SYSTEM:" to physical
// storage and orchestrates mount, unmount, detection and format operations
// over them. Installer and UI code address volumes only through this layer;
// the flash, MMC and mount primitives live behind collaborator interfaces.
//
// All operations are synchronous and single-actor. Every one of them is safe
// to call in any order and at any point of a crash-prone recovery flow:
// mounting a mounted volume and unmounting an unmounted one are no-ops.
package roots
