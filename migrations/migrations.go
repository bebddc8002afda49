// Package migrations carries the service schema. Every statement is
// idempotent so it is applied on each start.
package migrations

import (
	_ "embed"
)

//go:embed 0001_linked_bank_accounts.sql
var Schema string
