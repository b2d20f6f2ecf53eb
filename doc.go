// Package s3orm is a small record store that keeps every record, index
// entry and counter as an object in an S3-compatible bucket (or GCS, or a
// local directory). Sets, sorted sets and key/values are emulated on top
// of put, get, head, delete and prefix listing, so no database server is
// needed. Redis is optional and only used for id allocation and locking.
//
// # Quick Start
//
//	backend := s3orm.NewFilesystemBackend("./data")
//	db := s3orm.New(backend)
//
//	players := db.Register(s3orm.MustSchema("player",
//		s3orm.Field{Name: "name", Type: s3orm.TypeString, Index: true},
//		s3orm.Field{Name: "email", Type: s3orm.TypeString, Unique: true},
//		s3orm.Field{Name: "score", Type: s3orm.TypeFloat, Index: true},
//	))
//
//	p := players.New(map[string]any{"name": "ada", "email": "ada@example.com", "score": 15.6})
//	if err := p.Save(ctx); err != nil {
//		return err
//	}
//
//	top, err := players.Find(ctx, s3orm.Query{
//		Where: map[string]any{"score": s3orm.Range{Gte: s3orm.Float(15)}},
//		Order: s3orm.OrderDesc,
//	})
//
// # Key Layout
//
// All keys start with a root prefix, "s3orm/" by default:
//
//	<root>hash/<model>/<id>                        record, JSON string map
//	<root>keyval/<model>/maxid                     highest allocated id
//	<root>keyval/_schemas/<model>                  persisted schema
//	<root>sets/<model>/<field>/<value>###<id>      basic index entry
//	<root>sets/<model>/<field>/unique/<value>      unique claim, body = owner id
//	<root>zsets/<model>/<field>/<score>###<id>     numeric index entry
//	<root>zsets/<model>/expires/<score>###<id>     scheduled expiry
//
// Values and members are base64url encoded so any string is a safe path
// segment.
//
// # Queries
//
// Where clauses are ANDed. String fields match by case-insensitive
// substring, numeric fields by exact value or a Range. Each clause is
// resolved concurrently against its index and the id lists intersected;
// results are sorted by id and paged. An empty where lists every record.
//
// # Consistency
//
// A save writes the record and then updates indexes field by field. It is
// not atomic: a crash in between leaves stale entries, which
// Model.CheckIndexHealth reports and Model.CleanIndices repairs. Unique
// values are checked before the write, but two concurrent saves of the
// same new value can both pass the check unless a Locker is configured.
//
// # Observability
//
// Logging goes through the Logger interface (zap in production). Metrics
// go through the Metrics interface; NewPrometheusMetrics exports them.
// QueryProfiler keeps recent query plans for diagnosing slow queries.
package s3orm
