// Package site holds the site name reported by the control service.
//
// The name is persisted in the settings table and cached in an
// atomic.Pointer so the health handler never touches the database.
// SetSiteName updates the cache only after the write commits.
//
//	store := site.NewStore(db.DB, cfg.Site.Name)
//	if err := store.Load(ctx); err != nil {
//	    return err
//	}
//	name := store.SiteName()
package site
