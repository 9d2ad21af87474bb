package dispatch

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ptgott/relaymail/email"
	"github.com/ptgott/relaymail/html"
	"github.com/ptgott/relaymail/request"
	"github.com/ptgott/relaymail/storage"
	"github.com/ptgott/relaymail/userconfig"
)

var (
	// ErrInvalidRequest means the request failed validation, so nothing
	// was sent or journaled.
	ErrInvalidRequest = errors.New("invalid contact request")
	// ErrNotDelivered means the relay didn't accept the notification.
	ErrNotDelivered = errors.New("the notification was not delivered")
)

// lastCleanupKey stores when the journal was last garbage collected.
var lastCleanupKey = []byte("meta/lastCleanup")

type Config struct {
	// Writer for the rendered message when the user config has NoEmail set.
	// The means of display is controlled by the caller.
	OutputWr io.Writer
	// Now returns the time a request is received. Defaults to time.Now.
	Now func() time.Time
	// ClientOptions are applied to every email.Client after the options
	// from the user config, e.g., to replace the logger.
	ClientOptions []email.Option
}

func (c *Config) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Run handles a single contact request and returns its journal record. It
// returns an error wrapping ErrInvalidRequest if cr fails validation and
// ErrNotDelivered if the notification could not be delivered. The record is
// journaled in either delivery case.
func Run(c *Config, config *userconfig.Meta, cr request.ContactRequest) (request.Record, error) {
	cr = cr.Sanitize()
	if err := cr.Validate(); err != nil {
		return request.Record{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	received := c.now()
	rd := html.NewRequestData(cr, received, config.Site.Name)
	n, err := rd.Notification()
	if err != nil {
		return request.Record{}, err
	}

	msg := config.EmailSettings.Message(n.Subject, n.HTML, n.Text)
	msg.ReplyTo = cr.Email
	msg.ReplyToName = cr.Name

	rec := request.NewRecord(cr, received)

	if config.NoEmail {
		return rec, writeMessage(c.OutputWr, msg, received)
	}

	db, err := openDB(config.Storage)
	if err != nil {
		return request.Record{}, err
	}
	defer func() {
		// Close here so BadgerDB flushes to disk before we exit.
		// https://pkg.go.dev/github.com/dgraph-io/badger#readme-i-don-t-see-any-disk-writes-why
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("error closing the database")
		}
	}()

	var o email.Outcome
	client, err := config.EmailSettings.NewClient(c.ClientOptions...)
	if err != nil {
		// Still journal and alert. The request must not get lost because
		// of a broken relay setup.
		log.Error().Err(err).Msg("can't set up the relay client")
		o.Err = fmt.Sprintf("can't set up the relay client: %v", err)
	} else {
		log.Info().
			Str("requester", cr.Email).
			Str("orgType", cr.OrgType).
			Msg("attempting to send the notification")
		o = client.Send(msg)
	}
	rec.Delivered = o.OK
	rec.Error = o.Err

	// Journal the outcome before anything else can fail.
	journaled := journal(db, rec)

	if !o.OK {
		rec.AlertSent = sendAlert(c, config, rd, o.Err, journaled)
	} else if config.Site.ConfirmRequester {
		rec.Confirmed = sendConfirmation(client, config, rd)
	}
	if rec.AlertSent || rec.Confirmed {
		journal(db, rec)
	}

	if config.Storage != nil {
		cleanupIfDue(db, config.Storage.CleanupInterval, received)
	}

	if !o.OK {
		return rec, fmt.Errorf("%w: %v", ErrNotDelivered, o.Err)
	}
	return rec, nil
}

// openDB returns the journal, or a NoOpDB if the user hasn't configured
// storage.
func openDB(conf *storage.KVConfig) (storage.KeyValue, error) {
	if conf == nil {
		return &storage.NoOpDB{}, nil
	}
	db, err := storage.NewBadgerDB(conf)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("set up the database connection successfully")
	return db, nil
}

// journal saves rec and reports whether it was written.
func journal(db storage.KeyValue, rec request.Record) bool {
	err := rec.Save(db)
	if errors.Is(err, storage.ErrNoOpDB) {
		return false
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("id", rec.ID).
			Msg("error saving the submission to the journal")
		return false
	}
	log.Info().Str("id", rec.ID).Msg("saved the submission to the journal")
	return true
}

// sendAlert tells an operator about a failed notification through the alert
// relay. It reports whether the alert was delivered.
func sendAlert(c *Config, config *userconfig.Meta, rd html.RequestData, diagnostic string, journaled bool) bool {
	if config.Alert == nil {
		log.Warn().Msg("no alert relay is configured, so nobody will be told about the failed delivery")
		return false
	}

	a, err := rd.Alert(diagnostic, journaled)
	if err != nil {
		log.Error().Err(err).Msg("can't render the alert")
		return false
	}

	client, err := config.Alert.NewClient(c.ClientOptions...)
	if err != nil {
		log.Error().Err(err).Msg("can't set up the alert relay")
		return false
	}

	o := client.Send(config.Alert.Message(a.Subject, a.HTML, a.Text))
	if !o.OK {
		log.Error().Str("error", o.Err).Msg("the alert was not delivered either")
	}
	return o.OK
}

// sendConfirmation acknowledges the request to the requester. Replies go to
// the configured sender.
func sendConfirmation(client *email.Client, config *userconfig.Meta, rd html.RequestData) bool {
	e, err := rd.Confirmation()
	if err != nil {
		log.Error().Err(err).Msg("can't render the confirmation")
		return false
	}

	s := config.EmailSettings
	o := client.Send(email.Message{
		From:     s.FromAddress,
		FromName: s.FromName,
		To:       rd.Email,
		Subject:  e.Subject,
		HTMLBody: e.HTML,
		TextBody: e.Text,
		ReplyTo:  s.FromAddress,
	})
	return o.OK
}

// cleanupIfDue garbage collects the journal if the last collection is older
// than interval.
func cleanupIfDue(db storage.KeyValue, interval time.Duration, now time.Time) {
	if e, err := db.Read(lastCleanupKey); err == nil {
		last, err := time.Parse(time.RFC3339Nano, string(e.Value))
		if err == nil && now.Sub(last) < interval {
			return
		}
	}

	if err := db.Cleanup(); err != nil {
		log.Error().Err(err).Msg("error cleaning up the database")
		return
	}
	err := db.Put(storage.KVEntry{
		Key:   lastCleanupKey,
		Value: []byte(now.UTC().Format(time.RFC3339Nano)),
	})
	if err != nil {
		log.Error().Err(err).Msg("error recording the cleanup time")
	}
}

// writeMessage renders msg the way it would go over the wire, dated t.
func writeMessage(w io.Writer, msg email.Message, t time.Time) error {
	if w == nil {
		log.Warn().Msg(
			"a writer is unavailable for receiving the output message",
		)
		return nil
	}
	h, b, err := email.Builder{Now: func() time.Time { return t }}.Build(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(email.Render(h, b)); err != nil {
		return fmt.Errorf("cannot write the message output: %v", err)
	}
	return nil
}
