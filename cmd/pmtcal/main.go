package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/rs/zerolog"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "pmtcal.yml"

	// EnvPrefix marks environment variables that override the config file
	EnvPrefix = "PMTCAL_"

	k = koanf.New(".")
)

func setupconfig() error {
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return err
	}
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) && !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return fmt.Errorf("error loading config: %w", err)
		}
	}
	keys := k.Keys()
	return k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return envKey(keys, EnvPrefix, s)
	}), nil)
}

func loadConfig() (Config, error) {
	c := Config{}
	err := k.Unmarshal("", &c)
	return c, err
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

func root() {
	str := `pmtcal measures the gain of a photomultiplier tube across the
intensity range of a TELLIE LED pulse source

Usage:
	pmtcal <command> [args]

Commands:
	run
	analyze <archive dir>
	pincal
	fit <results file>
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `pmtcal is configured by pmtcal.yml in the working directory and by environment
variables.  Generate a file holding the defaults with "pmtcal mkconf".  Any key
may be overridden from the environment by its path with an underscore for each
level, e.g. PMTCAL_RESULTS_DATABASEURL or PMTCAL_SWEEP_PULSESPERSETTING.

run
	steps the pulse source through Sweep.Widths, acquires Sweep.PulsesPerSetting
	waveforms per width and writes the gain of each width to Results.File.
	Widths are looked up in Calibration.FineRun, then Calibration.FullRun, for
	their photon count.  While running, GET /state, /power, /results and
	/curve on Addr report progress.  Ctrl-C stops the sweep between widths.

analyze <dir>
	reduces an archive written by run with Archive.Enabled, without instruments.

pincal
	produces a calibration run file, Calibration.Out, from the power meter and
	the pulse source's PIN monitor for each of Calibration.Widths.

fit <file>
	fits gain against photon count over a results file and prints the
	parameters with 95% confidence intervals.

Mock: true replaces every instrument with a simulation.`
	fmt.Println(str)
}

func mkconf() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

func printconf() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	return yml.NewEncoder(os.Stdout).Encode(c)
}

func pversion() {
	fmt.Printf("pmtcal version %v\n", Version)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	log := newLogger("info")
	if err := setupconfig(); err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}
	c, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}
	log = newLogger(c.LogLevel)

	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		err = mkconf()
	case "conf":
		err = printconf()
	case "version":
		pversion()
	case "run":
		err = run(c, log)
	case "analyze":
		if len(args) < 3 {
			log.Fatal().Msg("analyze needs an archive directory")
		}
		err = analyze(c, args[2], log)
	case "pincal":
		err = pincal(c, log)
	case "fit":
		if len(args) < 3 {
			log.Fatal().Msg("fit needs a results file")
		}
		err = fit(args[2], os.Stdout)
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("failed")
	}
}
