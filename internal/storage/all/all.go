// Package all registers every storage backend.
package all

import (
	_ "sparkify/internal/storage/mssql"
	_ "sparkify/internal/storage/postgres"
	_ "sparkify/internal/storage/redshift"
	_ "sparkify/internal/storage/sqlite"
)
