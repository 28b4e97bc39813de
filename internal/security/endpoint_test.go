package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	// IP literals avoid DNS lookups in tests.
	valid := []string{
		"https://8.8.8.8/v1/lookup",
		"http://203.0.113.10/score",
	}
	for _, u := range valid {
		if err := ValidateEndpointURL(u); err != nil {
			t.Errorf("ValidateEndpointURL(%q) = %v, want nil", u, err)
		}
	}

	invalid := []string{
		"",
		"ftp://example.com/feed",
		"https://",
		"http://localhost:8080/score",
		"http://127.0.0.1/score",
		"http://10.1.2.3/score",
		"http://192.168.1.1/score",
		"http://169.254.169.254/latest/meta-data",
		"http://metadata.google.internal/computeMetadata",
		"http://0.0.0.0/score",
	}
	for _, u := range invalid {
		if err := ValidateEndpointURL(u); err == nil {
			t.Errorf("ValidateEndpointURL(%q) = nil, want error", u)
		}
	}
}
