// Package api exposes the REST interface for submitting checkouts, answering
// OTP challenges and reading orders, audit logs and metrics.
package api
