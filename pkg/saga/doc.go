// Package saga runs multi-step infrastructure mutations as resumable
// action chains. Each action consumes a typed command, performs one
// side-effecting operation, and returns the next command or terminates
// the chain. The runner persists the saga's log and cursor after every
// completed action, so a crash mid-chain resumes at the first
// not-yet-completed action instead of repeating side effects.
package saga
