package models

import "testing"

func TestDeriveBackfillStatus(t *testing.T) {
	cases := []struct {
		name     string
		deleted  bool
		statuses []string
		want     string
	}{
		{"deleted wins", true, []string{StatusCompleted}, StatusDeleted},
		{"no items yet", false, nil, StatusPending},
		{"uniform pending", false, []string{StatusPending, StatusPending}, StatusPending},
		{"uniform completed", false, []string{StatusCompleted, StatusCompleted}, StatusCompleted},
		{"mixed means in flight", false, []string{StatusCompleted, StatusPending}, StatusInFlight},
		{"mixed with in flight", false, []string{StatusInFlight, StatusCompleted, StatusPending}, StatusInFlight},
	}
	for _, tc := range cases {
		if got := DeriveBackfillStatus(tc.deleted, tc.statuses); got != tc.want {
			t.Errorf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestIsKnownResourceType(t *testing.T) {
	if !IsKnownResourceType("Patient") {
		t.Fatalf("Patient should be known")
	}
	if IsKnownResourceType("Spaceship") {
		t.Fatalf("Spaceship should not be known")
	}
}
