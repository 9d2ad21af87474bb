package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/ptgott/relaymail/dispatch"
	"github.com/ptgott/relaymail/request"
	"github.com/ptgott/relaymail/storage"
	"github.com/ptgott/relaymail/userconfig"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Log with filename and line number. This writes to stderr, so it should
	// be thread safe.
	// https://github.com/rs/zerolog/blob/7ccd4c940bf8a02fcc5f10e5475f9d3daff04d57/log/log.go#L13
	log.Logger = log.With().Caller().Logger()

	// Intercept interrupts so we can get more visibility into them.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func(c chan os.Signal) {
		<-c
		log.Info().Msg("interrupt: exiting")
		os.Exit(0)
	}(sigCh)

	configPath := flag.String(
		"config",
		"./config.yaml",
		"path to a YAML file containing your configuration",
	)
	requestPath := flag.String(
		"request",
		"-",
		`path to a YAML file containing the contact request, or "-" for stdin`,
	)
	noEmail := flag.Bool(
		"noemail",
		false,
		"print the rendered email to stdout instead of sending it",
	)
	history := flag.Bool(
		"history",
		false,
		"print the submission journal to stdout and exit",
	)
	level := flag.String(
		"level",
		"info",
		`log level: "info", "debug", or "warn"`,
	)
	flag.Parse()

	switch *level {
	case "debug":
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	case "warn":
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	default:
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	log.Info().
		Str("configPath", *configPath).
		Msg("starting the application")

	f, err := os.Open(*configPath)

	if err != nil {
		log.Error().
			Str("config-path", *configPath).
			Err(err).
			Msg("We can't open the application config file")
		os.Exit(1)
	}

	config, err := userconfig.Parse(f)
	f.Close()

	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem parsing your config")
		os.Exit(1)
	}
	config.NoEmail = *noEmail

	checkedConfig, err := config.CheckAndSetDefaults()
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem validating your config")
		os.Exit(1)
	}

	log.Info().Str("configPath", *configPath).Msg("successfully validated the config")

	if *history {
		if err := printHistory(os.Stdout, checkedConfig.Storage); err != nil {
			log.Error().Err(err).Msg("can't read the submission journal")
			os.Exit(1)
		}
		return
	}

	cr, err := readRequest(*requestPath)
	if err != nil {
		log.Error().
			Str("request-path", *requestPath).
			Err(err).
			Msg("Problem reading the contact request")
		os.Exit(1)
	}

	rec, err := dispatch.Run(&dispatch.Config{
		OutputWr: os.Stdout, // used when the -noemail flag is given
	}, &checkedConfig, cr)

	if err != nil {
		log.Error().
			Err(err).
			Str("id", rec.ID).
			Bool("alertSent", rec.AlertSent).
			Msg("could not handle the contact request")
		os.Exit(1)
	}

	log.Info().Str("id", rec.ID).Msg("handled the contact request")
}

func readRequest(path string) (request.ContactRequest, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return request.ContactRequest{}, err
		}
		defer f.Close()
		r = f
	}
	return request.Parse(r)
}

// printHistory writes one line per journaled submission, oldest first.
func printHistory(w io.Writer, conf *storage.KVConfig) error {
	if conf == nil {
		return errors.New("the config has no storage section")
	}
	db, err := storage.NewBadgerDB(conf)
	if err != nil {
		return err
	}
	defer db.Close()

	rs, err := request.History(db)
	if err != nil {
		return err
	}
	for _, r := range rs {
		status := "delivered"
		if !r.Delivered {
			status = "FAILED: " + r.Error
		}
		fmt.Fprintf(
			w,
			"%v\t%v\t%v <%v>\t%v\n",
			r.Received.Format("2006-01-02 15:04:05"),
			r.ID,
			r.Request.Name,
			r.Request.Email,
			status,
		)
	}
	return nil
}
