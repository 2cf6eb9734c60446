// Package identity is the user directory the messaging core consults.
//
// It answers two questions: does a user exist, and what display fields
// should be shown for them. Account lifecycle (signup, login, sessions)
// belongs to the surrounding social application; the directory only offers
// CreateUser for development seeding and tests.
package identity
