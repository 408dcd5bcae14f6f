// Package bunstore implements store.Store on PostgreSQL through the
// Bun ORM. Run mutation goes through a compare-and-swap UPDATE guarded
// by the version column, so concurrent writers can never lose updates.
//
// The caller owns the *bun.DB lifecycle — bunstore never closes it.
// Pass the db handle through the constructor:
//
//	import (
//	    "github.com/uptrace/bun"
//	    "github.com/uptrace/bun/dialect/pgdialect"
//	    "github.com/uptrace/bun/driver/pgdriver"
//	    bunstore "github.com/arcwell/maestro/store/bun"
//	)
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	store := bunstore.New(db)
//	store.Migrate(ctx)
package bunstore
