package account

import (
	"fmt"
	"net/mail"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var (
	usernameForbidden = regexp.MustCompile(`[!@#$%^&*()+\-={}\[\]:;"'<>,.?/\\|` + "`" + `~]`)
	passwordSpecial   = regexp.MustCompile(`[!@#$%^&*(),.?":{}|<>]`)
)

// Registration is a sign-up request before it has been accepted.
type Registration struct {
	Username      string `json:"username"`
	Email         string `json:"email"`
	Password      string `json:"password"`
	PasswordAgain string `json:"password_again"`
}

type ValidationError struct {
	Fields map[string][]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("invalid registration: %s", strings.Join(names, ", "))
}

func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
}

func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

// Validate checks the sign-up rules and returns the registration with the
// username and email cleaned up. Uniqueness is checked by the caller.
func (r Registration) Validate() (Registration, *ValidationError) {
	verr := &ValidationError{}

	username := strings.TrimSpace(r.Username)
	switch {
	case username == "":
		verr.Add("username", "username can't be empty or filled with whitespaces only")
	case len(username) < 4 || len(username) > 20:
		verr.Add("username", "username length can only be between 4 to 20 characters")
	}
	if usernameForbidden.MatchString(username) {
		verr.Add("username", "username should not contain any special character except underscore '_'")
	}
	username = strings.Join(strings.Fields(username), "_")

	email := strings.TrimSpace(r.Email)
	switch {
	case email == "":
		verr.Add("email", "email can't be empty or filled with whitespaces only")
	case len(email) < 6 || len(email) > 40:
		verr.Add("email", "email must be between 6 to 40 characters")
	default:
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email {
			verr.Add("email", "enter a valid email address")
		}
	}

	checkPassword(r.Password, r.PasswordAgain, verr)

	if !verr.Empty() {
		return r, verr
	}
	return Registration{
		Username:      username,
		Email:         email,
		Password:      r.Password,
		PasswordAgain: r.PasswordAgain,
	}, nil
}

func checkPassword(password, again string, verr *ValidationError) {
	if password == "" {
		verr.Add("password", "password field can't be empty")
	}
	if len(password) < 8 {
		verr.Add("password", "password must be at least 8 characters")
	}
	if !passwordSpecial.MatchString(password) {
		verr.Add("password", "password must contain at least one special character")
	}

	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper {
		verr.Add("password", "password must contain at least one uppercase character")
	}
	if !lower {
		verr.Add("password", "password must contain at least one lowercase character")
	}
	if !digit {
		verr.Add("password", "password must contain at least one digit")
	}
	if password != again {
		verr.Add("password", "both passwords must match")
	}
}
