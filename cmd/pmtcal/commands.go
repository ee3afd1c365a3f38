package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"
	"github.com/theckman/yacspin"

	"github.com/snoplus/pmtcal/archive"
	"github.com/snoplus/pmtcal/generichttp"
	"github.com/snoplus/pmtcal/generichttp/status"
	"github.com/snoplus/pmtcal/powermeter"
	"github.com/snoplus/pmtcal/results"
	"github.com/snoplus/pmtcal/results/postgres"
	"github.com/snoplus/pmtcal/stats"
	"github.com/snoplus/pmtcal/sweep"
)

func newSpinner(msg string) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		SuffixAutoColon:   true,
		Message:           msg,
		StopCharacter:     "done",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "failed",
		StopFailColors:    []string{"fgRed"},
	})
}

// progress keeps a spinner showing the state of a session until ctx is done
func progress(ctx context.Context, sp *yacspin.Spinner, s status.Session, widths int) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, ipw := s.State()
			sp.Message(fmt.Sprintf("%s ipw %d (%d/%d)", st, ipw, s.Table().Len(), widths))
		}
	}
}

// accessLog logs each status request at debug level
func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			t0 := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
				Int("status", ww.Status()).Dur("elapsed", time.Since(t0)).Msg("http")
		})
	}
}

// serveStatus starts the status server if addr is set.  The returned func
// shuts it down.
func serveStatus(addr string, s status.Session, sampler *powermeter.Sampler, log zerolog.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := generichttp.BuildMux(map[string]generichttp.HTTPer{"": status.NewHTTPStatus(s, sampler)},
		middleware.Recoverer, accessLog(log))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info().Str("addr", addr).Msg("status server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("status server")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		shutdownServer(ctx, srv, log)
	}
}

func shutdownServer(ctx context.Context, srv *http.Server, log zerolog.Logger) {
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("status server shutdown")
	}
}

func writeResults(path string, tbl *results.Table, log zerolog.Logger) error {
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err = results.Write(f, tbl); err != nil {
		return err
	}
	log.Info().Str("file", path).Int("rows", len(tbl.Curve())).Msg("results written")
	return nil
}

func run(c Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	lk, err := lookup(c, log)
	if err != nil {
		return err
	}
	b, err := openBench(c, true, false, log)
	if err != nil {
		return err
	}
	defer b.Close(log)

	setup := sweep.Setup{
		PulserChannel: c.Pulser.Channel,
		PulseDelayMS:  c.Pulser.PulseDelayMS,
		PulseHeight:   c.Pulser.PulseHeight,
		ScopeChannel:  c.Scope.Channel,
	}
	ctl := sweep.New(c.Sweep, setup, b.Pulser, b.Scope, lk, log)
	log = log.With().Str("run", ctl.RunID.String()).Logger()
	ctl.Log = log

	if c.Archive.Enabled {
		ctl.Archive = archive.New(filepath.Join(c.Archive.Dir, ctl.RunID.String()), ctl.RunID.String())
		log.Info().Str("dir", ctl.Archive.Dir).Msg("archiving waveforms")
	}
	if c.Results.DatabaseURL != "" {
		db, err := postgres.Open(ctx, c.Results.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err = db.Migrate(ctx); err != nil {
			return err
		}
		ctl.Sinks = append(ctl.Sinks, db)
	}

	shutdown := serveStatus(c.Addr, ctl, nil, log)
	defer shutdown()

	sp, err := newSpinner("starting sweep")
	if err != nil {
		return err
	}
	pctx, pcancel := context.WithCancel(ctx)
	go progress(pctx, sp, ctl, len(c.Sweep.Widths))
	sp.Start()
	tbl, runErr := ctl.Run(ctx)
	pcancel()
	if runErr != nil {
		sp.StopFail()
	} else {
		sp.Stop()
	}

	// an aborted sweep still writes what it measured
	if err = writeResults(c.Results.File, tbl, log); err != nil {
		return err
	}
	return runErr
}

func analyze(c Config, dir string, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	lk, err := lookup(c, log)
	if err != nil {
		return err
	}
	store := archive.New(dir, filepath.Base(dir))
	red := sweep.Reducer{Config: c.Sweep, Lookup: lk}

	sp, err := newSpinner("reducing " + dir)
	if err != nil {
		return err
	}
	sp.Start()
	tbl, err := sweep.Analyze(ctx, store, red, nil, c.Sweep.PulsesPerSetting, log)
	if err != nil {
		sp.StopFail()
		return err
	}
	sp.Stop()
	return writeResults(c.Results.File, tbl, log)
}

func pincal(c Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	b, err := openBench(c, false, true, log)
	if err != nil {
		return err
	}
	defer b.Close(log)

	h := pinHeader(c, b)
	sampler := powermeter.NewSampler(b.Meter, h, c.PowerMeter.Interval, log)
	sctx, scancel := context.WithCancel(ctx)
	defer scancel()
	go sampler.Run(sctx)

	f, err := os.Create(c.Calibration.Out)
	if err != nil {
		return err
	}
	defer f.Close()

	cal := sweep.PINCalibration{
		Widths:      c.Calibration.Widths,
		Setup:       pinSetup(c, h, log),
		Settle:      c.Calibration.Settle,
		PINAttempts: c.Calibration.PINAttempts,
		PINPoll:     c.Calibration.PINPoll,
		Pulser:      b.Pulser,
		Sampler:     sampler,
		Header:      h,
		Out:         f,
		Log:         log,
	}
	sp, err := newSpinner("pin calibration")
	if err != nil {
		return err
	}
	sp.Start()
	cr, err := cal.Run(ctx)
	if err != nil {
		sp.StopFail()
		return err
	}
	sp.Stop()
	log.Info().Str("file", c.Calibration.Out).Int("widths", len(cr.Rows)).Msg("calibration run written")
	return nil
}

// fit prints a weighted line of gain against photon count
func fit(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	tbl, err := results.Read(f)
	if err != nil {
		return err
	}
	rows := tbl.Curve()
	x := make([]float64, len(rows))
	y := make([]float64, len(rows))
	yerr := make([]float64, len(rows))
	weighted := true
	for i, r := range rows {
		x[i], y[i], yerr[i] = r.PhotonCount, r.GainMean, r.GainSigma
		if !(r.GainSigma > 0) {
			weighted = false
		}
	}
	if !weighted {
		yerr = nil
	}
	lf, err := stats.FitLine(x, y, yerr)
	if err != nil {
		return err
	}
	ci, err := stats.ConfidenceInterval(lf.Params, lf.Cov, lf.N, 0.05)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "gain = p0 + p1*photons over %d widths, chi2 %g\n", lf.N, lf.Chi2)
	for i, iv := range ci {
		fmt.Fprintf(w, "p%d = %g +/- %g  95%% CI [%g, %g]\n", i, iv.Value, iv.Sigma, iv.Lo, iv.Hi)
	}
	return nil
}
