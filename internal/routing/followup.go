package routing

import (
	"regexp"
	"strings"
)

// The follow-up classifier is a fixed lexical matcher over lowercased,
// trimmed input. Matching messages continue the pinned session without an
// engine call.

var (
	numericSelector = regexp.MustCompile(`^\d{1,3}$`)
	ordinalSelector = regexp.MustCompile(`^(the )?(first|second|third|fourth|fifth|last)( (one|option|item))?$`)
)

var affirmations = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yep": true, "ok": true,
	"okay": true, "sure": true, "please": true, "yes please": true,
	"go ahead": true, "do it": true, "confirm": true,
}

var paginations = map[string]bool{
	"next": true, "next page": true, "more": true, "show more": true,
	"previous": true, "prev": true, "previous page": true, "back": true,
}

// IsFollowUp reports whether message is a short follow-up selector,
// affirmation or pagination command.
func IsFollowUp(message string) bool {
	msg := strings.ToLower(strings.TrimSpace(message))
	msg = strings.TrimRight(msg, ".!?")
	if msg == "" {
		return false
	}
	if numericSelector.MatchString(msg) {
		return true
	}
	if ordinalSelector.MatchString(strings.TrimSpace(msg)) {
		return true
	}
	return affirmations[msg] || paginations[msg]
}
