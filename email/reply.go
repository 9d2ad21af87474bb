package email

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// maxReplyLineLen is generous. RFC 5321 §4.5.3.1.5 limits reply lines to
// 512 octets, but some relays are chatty.
const maxReplyLineLen = 2048

// Stage is a step of the SMTP exchange that requires a specific reply code.
type Stage int

const (
	StageGreeting Stage = iota
	StageHello
	StageStartTLS
	StageAuthBegin
	StageAuthUsername
	StageAuthPassword
	StageSender
	StageRecipient
	StageDataStart
	StageDataEnd
	StageQuit
)

// stageInfo maps each Stage to its name and the only code we accept.
var stageInfo = map[Stage]struct {
	name string
	code int
}{
	StageGreeting:     {"greeting", 220},
	StageHello:        {"EHLO", 250},
	StageStartTLS:     {"STARTTLS", 220},
	StageAuthBegin:    {"AUTH LOGIN", 334},
	StageAuthUsername: {"AUTH username", 334},
	StageAuthPassword: {"AUTH password", 235},
	StageSender:       {"MAIL FROM", 250},
	StageRecipient:    {"RCPT TO", 250},
	StageDataStart:    {"DATA", 354},
	StageDataEnd:      {"end of DATA", 250},
	StageQuit:         {"QUIT", 221},
}

// authStepNames are the step labels used in AuthError.
var authStepNames = map[Stage]string{
	StageAuthBegin:    "AUTH LOGIN",
	StageAuthUsername: "username",
	StageAuthPassword: "password",
}

func (s Stage) String() string {
	if i, ok := stageInfo[s]; ok {
		return i.name
	}
	return "stage " + strconv.Itoa(int(s))
}

// ExpectedCode returns the reply code the relay must send for s.
func (s Stage) ExpectedCode() int {
	return stageInfo[s].code
}

// Reply is a complete, possibly multi-line, response from the relay.
type Reply struct {
	Code  int
	Lines []string // text after the code and separator, one per line
}

// Text joins the reply lines with newlines.
func (r Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

func (r Reply) String() string {
	return strconv.Itoa(r.Code) + " " + r.Text()
}

// Positive reports whether the code is 2xx or 3xx.
func (r Reply) Positive() bool {
	return r.Code >= 200 && r.Code < 400
}

var errMalformedReply = errors.New("malformed reply")

// parseReplyLine splits one reply line into its code, its text and whether
// it's the last line of the reply. The separator after the code is a space
// on the last line and a hyphen on every line before it. A bare code is
// also a last line.
func parseReplyLine(line string) (code int, text string, last bool, err error) {
	if len(line) < 3 {
		return 0, "", false, fmt.Errorf("%w: %q", errMalformedReply, line)
	}
	for _, c := range line[:3] {
		if c < '0' || c > '9' {
			return 0, "", false, fmt.Errorf("%w: %q", errMalformedReply, line)
		}
	}
	// Not handling the error since we checked every byte is a digit
	code, _ = strconv.Atoi(line[:3])
	if code < 200 || code > 599 {
		return 0, "", false, fmt.Errorf("%w: code out of range in %q", errMalformedReply, line)
	}

	if len(line) == 3 {
		return code, "", true, nil
	}

	switch line[3] {
	case ' ':
		return code, line[4:], true, nil
	case '-':
		return code, line[4:], false, nil
	default:
		return 0, "", false, fmt.Errorf("%w: %q", errMalformedReply, line)
	}
}
