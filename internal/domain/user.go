// Package domain contains core domain types for the Medivio application.
package domain

import "time"

// DateLayout is the calendar date format stored in the users and history tables.
const DateLayout = "2006-01-02"

// Today returns the current local date formatted with DateLayout.
func Today() string {
	return time.Now().Format(DateLayout)
}

// User is a registered account. It is created once and never updated.
type User struct {
	Email          string `json:"email"`
	PasswordDigest string `json:"-"`
	JoinedDate     string `json:"joined_date"`
}
