package middleware

import (
	"strings"
	"testing"
)

func FuzzParseAPIKey(f *testing.F) {
	f.Add("ApiKey secret-123")
	f.Add("apikey k")
	f.Add("Bearer token")
	f.Add("")
	f.Add("ApiKey")
	f.Add("ApiKey a b")

	f.Fuzz(func(t *testing.T, header string) {
		key, err := parseAPIKey(header)
		if err != nil {
			if key != "" {
				t.Fatalf("parseAPIKey(%q) returned key %q with error", header, key)
			}
			return
		}
		if key == "" {
			t.Fatalf("parseAPIKey(%q) returned empty key without error", header)
		}
		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "ApiKey") {
			t.Fatalf("parseAPIKey(%q) accepted malformed header", header)
		}
	})
}
