// Package api exposes the read-only query surface of the ledger: transfer
// lookups, fee quotes, fund totals, monitor health, and open guardian
// actions. Mutating operations stay in-process and are never served over
// HTTP.
package api
