// Package store opens and migrates the persistent store described by a
// schema.Registry and exposes transactional access to its tables.
//
// A Manager owns at most one opened Store per registry. Opening runs the
// registry's version chain in one transaction, so a failed upgrade leaves
// the file at the version it had before. Writes go through Store.Update,
// which scopes a transaction to an explicit set of tables:
//
//	err := s.Update(ctx, []string{"todo", "user"}, func(tx *store.Tx) error {
//		todos, err := tx.Table("todo")
//		if err != nil {
//			return err
//		}
//		_, err = todos.Put(ctx, schema.Record{"id": "1", "title": "write"}, nil)
//		return err
//	})
//
// Records are stored as JSON documents in an embedded SQLite database.
package store
