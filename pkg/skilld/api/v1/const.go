package api_v1

import (
	"time"
)

const (
	// Maximum age of a webhook delivery, measured from its Date header.
	MaxAge = 5 * time.Minute

	// Maximum amount of time a Date header may be ahead of the local clock.
	MaxFutureSkew = 60 * time.Second

	SignatureHeader         = "X-Hub-Signature-256"
	SignaturePrefix         = "sha256="
	EventTypeHeader         = "X-GitHub-Event"
	DeliveryIDHeader        = "X-GitHub-Delivery"
	DateHeader              = "Date"
	FailedAuthenticationMsg = "failed authentication"
)
