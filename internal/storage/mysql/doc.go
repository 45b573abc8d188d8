// Package mysql persists ledger accounts in MySQL. It owns the connection
// pool settings, the embedded schema migrations and the account store that
// applies each committed transaction inside one SQL transaction.
package mysql
