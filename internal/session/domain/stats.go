package domain

// Stats is a point-in-time summary of the session table.
type Stats struct {
	Total         int
	Active        int
	Revoked       int
	HighRisk      int
	Families      int
	UniqueUsers   int
	UniqueDevices int
}
