package server

import "testing"

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/health", want: true},
		{path: "/realtime", want: true},
		{path: "/webhooks/telegram/integ-1", want: true},
		{path: "/media/acc-1/file.jpg", want: true},
		{path: "/conversations", want: false},
		{path: "/calls", want: false},
		{path: "/integrations", want: false},
		{path: "/webhooks", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}
