// Package all links every storage backend into the binary.
package all

import (
	_ "statload/internal/storage/memory"
	_ "statload/internal/storage/mssql"
	_ "statload/internal/storage/postgres"
	_ "statload/internal/storage/sqlite"
)
