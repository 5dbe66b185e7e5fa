package sqlstore

import _ "embed"

//go:embed db/postgres.sql
var postgresSchema string

//go:embed db/sqlite.sql
var sqliteSchema string
