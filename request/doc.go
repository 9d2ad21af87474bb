package request

// request models the contact request a website form submits: how it's read,
// cleaned up and checked before anyone is notified, and the journal record
// kept for each submission. It knows nothing about SMTP.
