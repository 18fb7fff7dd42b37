package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idTailRe = regexp.MustCompile(`\{ID(\d+)\}`)
)

const DefaultInvoiceNumberTemplate = "INV-{YYYY}{MM}-{ID10}"

// FormatInvoiceNumber renders a human-readable invoice number from a template, the issue
// time and the invoice's ULID. {ID} is the full ULID; {IDn} keeps its last n characters,
// which come from the random half.
func FormatInvoiceNumber(
	template string,
	issuedAt time.Time,
	id ulid.ULID,
) (string, error) {

	if template == "" {
		return "", fmt.Errorf("invoice number template is empty")
	}

	if id.Compare(ulid.ULID{}) == 0 {
		return "", fmt.Errorf("invoice number id is zero")
	}

	issuedAt = issuedAt.UTC()
	out := template

	out = strings.ReplaceAll(out, "{YYYY}", issuedAt.Format("2006"))
	out = strings.ReplaceAll(out, "{YY}", issuedAt.Format("06"))
	out = strings.ReplaceAll(out, "{MM}", issuedAt.Format("01"))
	out = strings.ReplaceAll(out, "{DD}", issuedAt.Format("02"))

	full := id.String()
	out = strings.ReplaceAll(out, "{ID}", full)

	out = idTailRe.ReplaceAllStringFunc(out, func(m string) string {
		match := idTailRe.FindStringSubmatch(m)
		if len(match) != 2 {
			return m
		}

		width, err := strconv.Atoi(match[1])
		if err != nil || width <= 0 || width > len(full) {
			return m
		}

		return full[len(full)-width:]
	})

	if strings.Contains(out, "{") || strings.Contains(out, "}") {
		return "", fmt.Errorf("unresolved token in invoice format: %s", out)
	}

	return out, nil
}
