// Package interceptor groups the handler and publisher middleware shipped
// with courier: logging, panic recovery, idempotency, timeouts and
// validation.
package interceptor
