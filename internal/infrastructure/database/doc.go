// Package database provides the SQLite connection that backs the site
// settings and saved device stores.
//
// The database is small (one settings table, one devices table) but holds
// device local keys, so the file is created with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are embedded by the top-level migrations package and are
// additive: new columns must be nullable or carry a default.
package database
