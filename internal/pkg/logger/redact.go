package logger

import "net/url"

// RedactEndpoint reduces a push endpoint to scheme and host. The path carries
// the subscriber's capability token and must never reach the logs.
// "https://fcm.googleapis.com/fcm/send/abc" → "https://fcm.googleapis.com/***"
func RedactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Scheme + "://" + u.Host + "/***"
}

// RedactSecret masks key material, keeping a short prefix for correlation.
// Values of 8 characters or fewer are fully masked.
func RedactSecret(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***"
}
