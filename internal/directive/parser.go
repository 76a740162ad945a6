// Package directive extracts structured commands from assistant replies.
//
// A reply may carry one tag of the form
//
//	[ACTION:DIAGNOSE:<checkType>]
//	[ACTION:REMEDIATE:<actionId>] or [ACTION:REMEDIATE:<actionId>:<parameter>]
//	[ACTION:TICKET:<priority>:<title>]
//
// At most one directive is returned per reply. When several tag kinds are
// present, Diagnose wins over Remediate, which wins over Ticket, wherever
// the tags sit in the text.
package directive

import (
	"regexp"
	"strings"
)

// Kind names a directive type.
type Kind string

const (
	KindDiagnose  Kind = "diagnose"
	KindRemediate Kind = "remediate"
	KindTicket    Kind = "ticket"
)

// Directive is one of Diagnose, Remediate or Ticket.
type Directive interface {
	Kind() Kind
}

// Diagnose asks the agent to run a check now. CheckType may be "all".
type Diagnose struct {
	CheckType string `json:"check_type"`
}

// Remediate asks for a corrective action. Parameter is nil when the tag
// has no second segment.
type Remediate struct {
	ActionID  string  `json:"action_id"`
	Parameter *string `json:"parameter"`
}

// Ticket asks for a support ticket to be filed.
type Ticket struct {
	Priority string `json:"priority"`
	Title    string `json:"title"`
}

func (Diagnose) Kind() Kind  { return KindDiagnose }
func (Remediate) Kind() Kind { return KindRemediate }
func (Ticket) Kind() Kind    { return KindTicket }

// Result is the parsed reply: the directive, if any, and the text with
// the matched tag removed.
type Result struct {
	Directive Directive
	Text      string
}

// Check types, action ids and priorities are single tokens. Parameters and
// titles may hold spaces. No segment may contain a bracket, so a tag can
// never swallow the next one.
var (
	diagnoseTag  = regexp.MustCompile(`\[ACTION:DIAGNOSE:([^\[\]\s]+)\]`)
	remediateTag = regexp.MustCompile(`\[ACTION:REMEDIATE:([^\[\]:\s]+)(?::([^\[\]]+))?\]`)
	ticketTag    = regexp.MustCompile(`\[ACTION:TICKET:([^\[\]:\s]+):([^\[\]]+)\]`)
)

// Parse extracts the highest-precedence directive from text.
func Parse(text string) Result {
	if text == "" {
		return Result{}
	}

	if m := diagnoseTag.FindStringSubmatchIndex(text); m != nil {
		return Result{
			Directive: Diagnose{CheckType: text[m[2]:m[3]]},
			Text:      strip(text, m),
		}
	}

	if m := remediateTag.FindStringSubmatchIndex(text); m != nil {
		d := Remediate{ActionID: text[m[2]:m[3]]}
		if m[4] >= 0 {
			param := text[m[4]:m[5]]
			d.Parameter = &param
		}
		return Result{Directive: d, Text: strip(text, m)}
	}

	if m := ticketTag.FindStringSubmatchIndex(text); m != nil {
		return Result{
			Directive: Ticket{Priority: text[m[2]:m[3]], Title: text[m[4]:m[5]]},
			Text:      strip(text, m),
		}
	}

	return Result{Text: text}
}

// strip removes the whole match m[0]:m[1] and trims the ends only.
func strip(text string, m []int) string {
	return strings.TrimSpace(text[:m[0]] + text[m[1]:])
}
