package types

// Migration is a database migration identified by ID, applied in order
type Migration struct {
	ID  string
	SQL string
}
