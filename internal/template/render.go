package template

import (
	"strings"

	"github.com/outreachly/campd/internal/model"
)

// Token set understood by campaign templates. Anything else between braces
// is not a token and passes through verbatim.
const (
	TokenFirstName = "{{firstName}}"
	TokenLastName  = "{{lastName}}"
	TokenGoesBy    = "{{goesBy}}"
	TokenEmail     = "{{email}}"
)

// Render personalizes a campaign's subject and body for one contact.
// Pure and total: it never fails and is safe for concurrent use. Missing
// fields resolve to the empty string, except firstName which falls back to
// "Friend", and goesBy which falls back through preferredName to firstName.
func Render(subject, body string, c model.Contact) (string, string) {
	r := replacer(c)
	return r.Replace(subject), r.Replace(body)
}

func replacer(c model.Contact) *strings.Replacer {
	first := strings.TrimSpace(c.FirstName)
	if first == "" {
		first = "Friend"
	}

	goesBy := strings.TrimSpace(c.PreferredName)
	if goesBy == "" {
		goesBy = first
	}

	return strings.NewReplacer(
		TokenFirstName, first,
		TokenLastName, strings.TrimSpace(c.LastName),
		TokenGoesBy, goesBy,
		TokenEmail, c.Email,
	)
}
