// Package mysql establishes the MySQL connection for the ledger and applies
// embedded schema migrations on startup. The stores themselves live next to
// the domain packages they persist.
package mysql
