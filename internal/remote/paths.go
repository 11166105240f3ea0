package remote

import "time"

// Document paths.
const (
	ManifestPath = "meta/structure"
	StatsPath    = "stats/player"
)

func NodePath(id string) string  { return "nodes/" + id }
func EdgePath(id string) string  { return "edges/" + id }
func EntryPath(id string) string { return "entries/" + id }

// AggregatePaths returns the day, month and year rollup documents for t, in
// that order. Rollups use UTC calendar boundaries.
func AggregatePaths(t time.Time) []string {
	t = t.UTC()
	return []string{
		"aggregates/day-" + t.Format("2006-01-02"),
		"aggregates/month-" + t.Format("2006-01"),
		"aggregates/year-" + t.Format("2006"),
	}
}
