// Package tag exposes build-time flags toggled by Go build tags. Its only
// reader is the daemon's startup log; no runtime invariant checks are gated
// on it.
package tag
