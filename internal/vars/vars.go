package vars

import (
	"regexp"
	"strings"
)

// Person holds the fields a message template can reference.
type Person struct {
	FirstName string
	LastName  string
	City      string
	Zip       string
}

// Placeholder tokens are matched case-insensitively. The closing delimiter is
// optional: volunteers frequently type "%contactfirst" and the backend's
// template editor does not validate, so the bare token through end-of-word is
// accepted as if it were delimited. Longer tokens come first in the
// alternation so "%contactcity" is not consumed as a shorter match.
var tokenRe = regexp.MustCompile(`(?i)%(contactfirst|contactlast|contactcity|contactzip|userfirst|userlast|usercity)%?`)

// Substitute rewrites placeholder tokens in template using sender ("user*"
// tokens) and recipient ("contact*" tokens) fields. Unknown tokens pass
// through unchanged; missing fields become the empty string. Pure: input
// without placeholders is returned as-is.
func Substitute(template string, sender, recipient Person) string {
	return tokenRe.ReplaceAllStringFunc(template, func(match string) string {
		token := strings.ToLower(strings.Trim(match, "%"))
		switch token {
		case "userfirst":
			return sender.FirstName
		case "userlast":
			return sender.LastName
		case "usercity":
			return sender.City
		case "contactfirst":
			return recipient.FirstName
		case "contactlast":
			return recipient.LastName
		case "contactcity":
			return recipient.City
		case "contactzip":
			return recipient.Zip
		}
		return match
	})
}
