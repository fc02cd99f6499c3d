package vm

import (
	"math"
	"time"
)

// GridRecords converts a flat lat*lon grid of values into records. Cells
// holding NaN are skipped.
func GridRecords(label, season, statistic string, lat, lon, values []float64, ts time.Time) []Record {
	recs := make([]Record, 0, len(values))
	for i, la := range lat {
		for j, lo := range lon {
			v := values[i*len(lon)+j]
			if math.IsNaN(v) {
				continue
			}
			recs = append(recs, Record{
				Timestamp: ts.UnixMilli(),
				Label:     label,
				Season:    season,
				Statistic: statistic,
				Latitude:  la,
				Longitude: lo,
				Value:     v,
			})
		}
	}
	return recs
}
