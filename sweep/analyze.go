package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/snoplus/pmtcal/archive"
	"github.com/snoplus/pmtcal/oscilloscope"
	"github.com/snoplus/pmtcal/results"
)

// Analyze runs the Reducing stage over an archive of an earlier sweep.
// Each width is expected to hold pulses files; missing or corrupt ones are
// counted as dropouts.  widths may be nil to take every width in the archive.
func Analyze(ctx context.Context, store *archive.Store, red Reducer, widths []int, pulses int, log zerolog.Logger) (*results.Table, error) {
	var err error
	if widths == nil {
		if widths, err = store.Widths(); err != nil {
			return nil, err
		}
	}
	tbl := &results.Table{}
	start := time.Now()
	for _, ipw := range widths {
		if err = ctx.Err(); err != nil {
			return tbl, err
		}
		t0 := time.Now()
		waves := make([]oscilloscope.Waveform, 0, pulses)
		dropouts := 0
		for i := 0; i < pulses; i++ {
			w, err := store.Load(ipw, i)
			if errors.Is(err, oscilloscope.ErrDropout) {
				dropouts++
				continue
			}
			if err != nil {
				return tbl, err
			}
			waves = append(waves, w)
		}
		r := red.Reduce(ipw, waves)
		r.Result.Dropouts = dropouts
		if err = tbl.Append(r.Result); err != nil {
			return tbl, err
		}
		logSetting(log, r.Result, r.Invalid, time.Since(t0))
	}
	log.Info().Dur("elapsed", time.Since(start)).Int("settings", tbl.Len()).Msg("analysis done")
	return tbl, nil
}
