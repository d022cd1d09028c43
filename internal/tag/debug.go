//go:build debug

package tag

// Debug is true in builds compiled with `-tags debug`. The daemon logs a
// warning when it is set; no package runs extra checks behind it.
const Debug = true
