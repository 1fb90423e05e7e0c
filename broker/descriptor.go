package broker

import (
	"net/url"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Descriptor identifies a broker endpoint. Explicit credentials take precedence over any
// userinfo embedded in the URL.
type Descriptor struct {
	URL      string `yaml:"url" env:"URL" validate:"required"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
}

// Resolve returns the URL with the explicit credentials merged in
func (d Descriptor) Resolve() (string, error) {
	uri, err := amqp.ParseURI(d.URL)
	if err != nil {
		return "", err
	}
	if d.Username != "" {
		uri.Username = d.Username
	}
	if d.Password != "" {
		uri.Password = d.Password
	}
	return uri.String(), nil
}

// Identical reports whether both descriptors resolve to byte-identical URLs, credentials
// included, no matter whether the credentials were embedded or given explicitly.
// Descriptors with unparseable URLs are compared field by field.
func (d Descriptor) Identical(other Descriptor) bool {
	a, errA := d.Resolve()
	b, errB := other.Resolve()
	if errA != nil || errB != nil {
		return d == other
	}
	return a == b
}

// Sanitized returns the URL with any password masked, for logs and errors
func (d Descriptor) Sanitized() string {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

// Descriptors lists the broker endpoints behind a connection target
type Descriptors interface {
	Descriptors() []Descriptor
}

// overlapping reports whether any descriptor of a is identical to one of b
func overlapping(a, b []Descriptor) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Identical(y) {
				return true
			}
		}
	}
	return false
}
