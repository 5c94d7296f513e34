package enrollgate

import "testing"

func TestAdmitNewAccount(t *testing.T) {
	cases := []struct {
		count, limit int
		want         bool
	}{
		{0, 1, true},
		{199, 200, true},
		{200, 200, false},
		{201, 200, false},
		{0, 0, false},
		{120, 50, false},
	}
	for _, tc := range cases {
		if got := AdmitNewAccount(tc.count, tc.limit); got != tc.want {
			t.Fatalf("AdmitNewAccount(%d, %d) = %v, want %v", tc.count, tc.limit, got, tc.want)
		}
	}
}
