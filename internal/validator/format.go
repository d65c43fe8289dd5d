package validator

import (
	"net/mail"
	"net/url"
	"time"
)

// checkFormat asserts the formats produced by field compilation. The schema
// library treats "format" as an annotation only.
func checkFormat(format string, val any) string {
	s, ok := val.(string)
	if !ok {
		return ""
	}
	switch format {
	case "email":
		addr, err := mail.ParseAddress(s)
		if err != nil || addr.Address != s {
			return "must be a valid email address"
		}
	case "uri":
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
			return "must be an absolute URI"
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return "must be an RFC 3339 date-time"
		}
	}
	return ""
}
