// Package traceevent writes the monitor's two file outputs derived from
// the chunk-status log: a flat CSV and a Chrome Trace Event JSON file
// (spec.md §4.3 guaranteed-cleanup, "write_profile"). Both formats are
// plain enough that no third-party library in the retrieved pack covers
// them better than encoding/csv and encoding/json — see DESIGN.md.
package traceevent

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"skyplane-ctl/pkg/chunk"
)

// WriteStatusCSV writes entries as chunk_status_df.csv: one row per
// status-log entry, columns chunk_id, state, time, region, instance.
func WriteStatusCSV(path string, entries []chunk.StatusLogEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"chunk_id", "state", "time", "region", "instance"}); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			strconv.Itoa(e.ChunkID),
			string(e.State),
			e.Time.Format("2006-01-02T15:04:05.000Z07:00"),
			e.Region,
			e.Instance,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

// span is one Chrome Trace Event "Complete" (ph:"X") entry: a duration
// on the (chunk, instance) track between two consecutive log entries.
type span struct {
	Name string                 `json:"name"`
	Cat  string                 `json:"cat"`
	Ph   string                 `json:"ph"`
	Ts   int64                  `json:"ts"`
	Dur  int64                  `json:"dur"`
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// WriteChromeTrace converts entries into one non-overlapping span per
// consecutive state transition, per (chunk_id, instance) track, and
// writes them as a Chrome Trace Event JSON array to path.
func WriteChromeTrace(path string, entries []chunk.StatusLogEntry) error {
	type trackKey struct {
		chunkID  int
		instance string
	}
	byTrack := make(map[trackKey][]chunk.StatusLogEntry)
	var tracks []trackKey
	for _, e := range entries {
		k := trackKey{chunkID: e.ChunkID, instance: e.Instance}
		if _, ok := byTrack[k]; !ok {
			tracks = append(tracks, k)
		}
		byTrack[k] = append(byTrack[k], e)
	}
	sort.Slice(tracks, func(i, j int) bool {
		if tracks[i].chunkID != tracks[j].chunkID {
			return tracks[i].chunkID < tracks[j].chunkID
		}
		return tracks[i].instance < tracks[j].instance
	})

	tidByInstance := make(map[string]int)
	var spans []span
	for _, k := range tracks {
		es := byTrack[k]
		sort.Slice(es, func(i, j int) bool { return es[i].Time.Before(es[j].Time) })

		tid, ok := tidByInstance[k.instance]
		if !ok {
			tid = len(tidByInstance)
			tidByInstance[k.instance] = tid
		}

		for i, e := range es {
			tsMicros := e.Time.UnixMicro()
			var durMicros int64
			if i+1 < len(es) {
				durMicros = es[i+1].Time.UnixMicro() - tsMicros
			}
			spans = append(spans, span{
				Name: string(e.State),
				Cat:  "chunk",
				Ph:   "X",
				Ts:   tsMicros,
				Dur:  durMicros,
				Pid:  1,
				Tid:  tid,
				Args: map[string]interface{}{"chunk_id": k.chunkID, "instance": k.instance},
			})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	return enc.Encode(spans)
}
