package redaction

import (
	"regexp"
	"strings"
)

// Kind tags a detection so logs can report what was found without
// reproducing the sensitive value.
type Kind string

const (
	KindEmail      Kind = "pii:email"
	KindPhone      Kind = "pii:phone"
	KindIDCard     Kind = "pii:id_card"
	KindCreditCard Kind = "pii:credit_card"
	KindSSN        Kind = "pii:ssn"
	KindIPv4       Kind = "pii:ipv4"
	KindAPIKey     Kind = "secret:api_key"
	KindJWT        Kind = "secret:jwt"
	KindAWSKey     Kind = "secret:aws_key"
	KindPrivateKey Kind = "secret:private_key"
	KindPassword   Kind = "secret:password"
)

// Detector pairs a pattern with its type-specific masker.
type Detector struct {
	Kind    Kind
	Pattern *regexp.Regexp
	Mask    func(match string) string
}

var (
	privateKeyPattern = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?(?:-----END [A-Z ]*PRIVATE KEY-----|$)`)
	jwtPattern        = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}\b`)
	awsKeyPattern     = regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)
	apiKeyPattern     = regexp.MustCompile(`\b(?:sk-[A-Za-z0-9\-_]{16,}|ghp_[A-Za-z0-9]{16,}|xox[a-z]-[A-Za-z0-9\-]{10,}|pat_[A-Za-z0-9]{16,})\b`)
	passwordPattern   = regexp.MustCompile(`"password"\s*:\s*"[^"]*"`)
	emailPattern      = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	creditCardPattern = regexp.MustCompile(`\b\d{4}([ \-]?)\d{4}([ \-]?)\d{4}([ \-]?)\d{3,4}\b`)
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	idCardPattern     = regexp.MustCompile(`\b\d{17}[\dXx]\b`)
	phonePattern      = regexp.MustCompile(`(?:\+\d{1,3}[ \-]?)?1[3-9]\d{9}\b|\+\d{1,3}[ \-]?\d{6,14}\b`)
	ipv4Pattern       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// Detectors returns the detector table in matching order. Secrets run before
// PII so a JWT is replaced whole rather than being nibbled by the digit
// patterns, and cards run before phones for the same reason.
func Detectors() []Detector {
	return []Detector{
		{KindPrivateKey, privateKeyPattern, func(string) string { return "[REDACTED:private_key]" }},
		{KindJWT, jwtPattern, func(string) string { return "[REDACTED:jwt]" }},
		{KindAWSKey, awsKeyPattern, maskToken},
		{KindAPIKey, apiKeyPattern, maskToken},
		{KindPassword, passwordPattern, func(string) string { return `"password":"` + Placeholder + `"` }},
		{KindEmail, emailPattern, maskEmail},
		{KindCreditCard, creditCardPattern, maskCard},
		{KindSSN, ssnPattern, maskID},
		{KindIDCard, idCardPattern, maskID},
		{KindPhone, phonePattern, maskPhone},
		{KindIPv4, ipv4Pattern, maskIPv4},
	}
}

// Scan reports every detection kind present in s, without mutating it.
func Scan(s string) []Kind {
	var kinds []Kind
	seen := map[Kind]bool{}
	for _, d := range Detectors() {
		if seen[d.Kind] {
			continue
		}
		if d.Pattern.MatchString(s) {
			kinds = append(kinds, d.Kind)
			seen[d.Kind] = true
		}
	}
	return kinds
}

// Apply masks every detection in s and returns the rewritten string plus the
// kinds that were found.
func Apply(s string) (string, []Kind) {
	var kinds []Kind
	seen := map[Kind]bool{}
	for _, d := range Detectors() {
		if !d.Pattern.MatchString(s) {
			continue
		}
		if !seen[d.Kind] {
			kinds = append(kinds, d.Kind)
			seen[d.Kind] = true
		}
		mask := d.Mask
		s = d.Pattern.ReplaceAllStringFunc(s, mask)
	}
	return s, kinds
}

// maskEmail keeps the first two characters of the local part and the
// top-level domain: alice@example.com -> al***@***.com
func maskEmail(match string) string {
	at := strings.IndexByte(match, '@')
	if at < 0 {
		return Placeholder
	}
	local := match[:at]
	domain := match[at+1:]
	keep := 2
	if len(local) < keep {
		keep = len(local)
	}
	tld := domain
	if dot := strings.LastIndexByte(domain, '.'); dot >= 0 {
		tld = domain[dot+1:]
	}
	return local[:keep] + "***@***." + tld
}

// maskPhone keeps the last four digits and stars out the rest.
func maskPhone(match string) string {
	return maskDigitsKeepingLast(match, 4, false)
}

// maskCard keeps the last four digits with separators preserved.
func maskCard(match string) string {
	return maskDigitsKeepingLast(match, 4, true)
}

// maskID keeps the first three and last four characters.
func maskID(match string) string {
	if len(match) <= 7 {
		return Placeholder
	}
	return match[:3] + strings.Repeat("*", len(match)-7) + match[len(match)-4:]
}

// maskIPv4 keeps the first two octets: 10.1.2.3 -> 10.1.*.*
func maskIPv4(match string) string {
	parts := strings.Split(match, ".")
	if len(parts) != 4 {
		return Placeholder
	}
	return parts[0] + "." + parts[1] + ".*.*"
}

// maskToken keeps four characters at each end: sk-abc...xyz -> sk-a****wxyz
func maskToken(match string) string {
	if len(match) <= 8 {
		return Placeholder
	}
	return match[:4] + "****" + match[len(match)-4:]
}

func maskDigitsKeepingLast(s string, keep int, preserveSeparators bool) string {
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	out := []byte(s)
	remainingToMask := digits - keep
	for i := 0; i < len(out); i++ {
		c := out[i]
		if c >= '0' && c <= '9' {
			if remainingToMask > 0 {
				out[i] = '*'
				remainingToMask--
			}
			continue
		}
		if !preserveSeparators && (c == ' ' || c == '-' || c == '+') {
			out[i] = '*'
		}
	}
	return string(out)
}
