package html

// html is responsible for generating the subjects and the HTML and text
// bodies of the emails sent about a contact request. It's not concerned with
// the lower-level logic involved in sending the email. As a result, the
// generated HTML can be used for other purposes, e.g., displaying via an
// HTTP server (not implemented here).
