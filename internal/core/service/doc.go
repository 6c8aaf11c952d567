// Package service ties change tracking, snapshots and export together
// behind the operations the control surfaces expose.
//
// This package contains:
//
//   - Service: write interception, snapshot reads, snapshot lifecycle,
//     feature switches, dirty-block queries and status
//   - Exporter: turns threshold signals, timer ticks and manual requests
//     into encrypted, compressed archives of dirty blocks, and archives
//     chunks merged out of snapshots
//
// Write path order for a block device with an active snapshot:
//
//  1. pin (and on first touch preserve) every chunk the write covers
//  2. write the origin
//  3. record every block the write covers as dirty
//
// A failure in step 1 fails the write before the origin is touched.
package service
