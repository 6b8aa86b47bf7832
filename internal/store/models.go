package store

import "time"

// Subject is a registered client under conformance test. The routing token
// is unique and immutable after creation; everything else hangs off it.
type Subject struct {
	ID             int64
	UserID         int64
	Name           string
	Token          string
	RedirectURI    string
	LastViewedTest int
	CreatedAt      time.Time
}

// AccessToken is a durable credential bound to one Subject. It never
// expires; last_used is refreshed on every authenticated call.
type AccessToken struct {
	ID        int64
	SubjectID int64
	Token     string
	CreatedAt time.Time
	LastUsed  time.Time
}

// Test is one numbered conformance scenario within a group. Immutable
// reference data, seeded out of band.
type Test struct {
	ID     int64
	Group  string
	Number int
	Name   string
}

// TestResult is the outcome of the most recent run of a Test for a Subject.
// Exactly one row per (subject, test).
type TestResult struct {
	ID           int64
	SubjectID    int64
	TestID       int64
	Passed       bool
	Response     string
	CreatedAt    time.Time
	LastResultAt time.Time
}

// FeatureResult records whether a protocol feature is implemented,
// independent of which test proved it. Exactly one row per
// (subject, feature).
type FeatureResult struct {
	ID           int64
	SubjectID    int64
	FeatureNum   int
	Implements   bool
	SourceTestID int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
