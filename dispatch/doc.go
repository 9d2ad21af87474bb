package dispatch

// dispatch handles one contact request from start to finish: it renders the
// notification, sends it through the configured relay, journals the outcome,
// and raises an alert through a second relay when delivery fails.
