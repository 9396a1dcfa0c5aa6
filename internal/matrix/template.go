package matrix

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const placeholder = "{}"

var (
	// ErrInvalidTemplate indicates a template string without exactly one placeholder.
	ErrInvalidTemplate = errors.New("matrix: template must contain exactly one {} placeholder")
)

// IDTemplate maps remote account ids to proxy user ids and back. A template
// of "telegram_{}" on domain "example.com" yields "@telegram_12345:example.com".
type IDTemplate struct {
	prefix string
	suffix string
	domain string
}

// NewIDTemplate parses the localpart template and binds it to a homeserver domain.
func NewIDTemplate(template, domain string) (IDTemplate, error) {
	prefix, suffix, err := splitTemplate(template)
	if err != nil {
		return IDTemplate{}, err
	}
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return IDTemplate{}, errors.New("matrix: homeserver domain required")
	}
	return IDTemplate{prefix: prefix, suffix: suffix, domain: domain}, nil
}

// UserID formats the proxy user id for a remote account id.
func (t IDTemplate) UserID(accountID int64) UserID {
	return UserID(fmt.Sprintf("@%s%d%s:%s", t.prefix, accountID, t.suffix, t.domain))
}

// ParseUserID extracts the remote account id from a proxy user id. The second
// return value is false when the user id does not belong to this bridge.
func (t IDTemplate) ParseUserID(id UserID) (int64, bool) {
	raw := string(id)
	localpart, ok := strings.CutPrefix(raw, "@")
	if !ok {
		return 0, false
	}
	localpart, ok = strings.CutSuffix(localpart, ":"+t.domain)
	if !ok {
		return 0, false
	}
	localpart, ok = strings.CutPrefix(localpart, t.prefix)
	if !ok {
		return 0, false
	}
	localpart, ok = strings.CutSuffix(localpart, t.suffix)
	if !ok {
		return 0, false
	}
	accountID, err := strconv.ParseInt(localpart, 10, 64)
	if err != nil || accountID <= 0 {
		return 0, false
	}
	return accountID, true
}

// DisplaynameTemplate wraps resolved names for presentation, e.g.
// "{} (Telegram)".
type DisplaynameTemplate struct {
	prefix string
	suffix string
}

// NewDisplaynameTemplate parses the displayname template.
func NewDisplaynameTemplate(template string) (DisplaynameTemplate, error) {
	prefix, suffix, err := splitTemplate(template)
	if err != nil {
		return DisplaynameTemplate{}, err
	}
	return DisplaynameTemplate{prefix: prefix, suffix: suffix}, nil
}

// Format applies the template to a plain name.
func (t DisplaynameTemplate) Format(name string) string {
	return t.prefix + name + t.suffix
}

// Parse strips the template from a formatted name. When the input does not
// match the template, the input is returned unchanged.
func (t DisplaynameTemplate) Parse(formatted string) string {
	inner, ok := strings.CutPrefix(formatted, t.prefix)
	if !ok {
		return formatted
	}
	inner, ok = strings.CutSuffix(inner, t.suffix)
	if !ok {
		return formatted
	}
	return inner
}

func splitTemplate(template string) (prefix, suffix string, err error) {
	if strings.Count(template, placeholder) != 1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTemplate, template)
	}
	prefix, suffix, _ = strings.Cut(template, placeholder)
	return prefix, suffix, nil
}
