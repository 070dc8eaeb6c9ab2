package core

import "testing"

func TestContainsApprovalToken(t *testing.T) {
	cases := []struct {
		message string
		want    bool
	}{
		{"yes", true},
		{"Yes, let's do it", true},
		{"looks good to me", true},
		{"okay go ahead", true},
		{"Sure, that works", true},
		{"save it please", true},
		{"I approve this plan", true},
		{"PERFECT", true},

		{"make day 2 harder", false},
		{"can you swap the chicken for tofu", false},
		{"not yet", false},
		{"I don't like the squats", false},
		{"my shoulder is broken", false},
		{"what about my allergies", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := ContainsApprovalToken(tc.message); got != tc.want {
			t.Errorf("ContainsApprovalToken(%q) = %v, want %v", tc.message, got, tc.want)
		}
	}
}
