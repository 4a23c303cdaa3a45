// Package parser validates and formats the user supplied fields of posts.
package parser

import (
	"errors"
	"strings"

	"github.com/aquilax/tripcode"
)

const (
	MaxLengthName         = 50
	MaxLengthSubject      = 100
	MaxLengthEmail        = 100
	MaxLengthPostPassword = 50
)

var (
	ErrNoPostPassword = errors.New("no post password")
	ErrNoSubject      = errors.New("no subject")
)

// ErrTooLong is returned, when a field exceeds its maximum length
type ErrTooLong string

func (e ErrTooLong) Error() string {
	return string(e) + " too long"
}

// ParseName splits the name field into a name and a tripcode. "name#pass"
// produces a regular tripcode and "name##pass" a secure one salted with salt.
func ParseName(name, salt string) (string, string, error) {
	if name == "" {
		return "", "", nil
	}
	if len(name) > MaxLengthName {
		return "", "", ErrTooLong("name")
	}
	name = strings.TrimSpace(name)

	i := strings.IndexByte(name, '#')
	if i < 0 {
		return name, "", nil
	}
	pass := name[i+1:]
	name = name[:i]
	switch {
	case pass == "":
		return name, "", nil
	case pass[0] == '#':
		return name, tripcode.SecureTripcode(pass[1:], salt), nil
	default:
		return name, tripcode.Tripcode(pass), nil
	}
}

// ParseSubject validates and trims a thread subject
func ParseSubject(s string) (string, error) {
	if s == "" {
		return "", ErrNoSubject
	}
	if len(s) > MaxLengthSubject {
		return "", ErrTooLong("subject")
	}
	return strings.TrimSpace(s), nil
}

// FormatEmail discards empty and overlong emails
func FormatEmail(email string) string {
	if len(email) > MaxLengthEmail {
		return ""
	}
	return strings.TrimSpace(email)
}

func VerifyPostPassword(s string) error {
	if s == "" {
		return ErrNoPostPassword
	}
	if len(s) > MaxLengthPostPassword {
		return ErrTooLong("post password")
	}
	return nil
}
