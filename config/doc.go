// Package config loads workqueue settings from .env files and WORKQUEUE_*
// environment variables into the raw map consumed by core.CfgxConfigProvider.
//
// Sections nest on a double underscore:
//
//	WORKQUEUE_QUEUE__LEASE_TIMEOUT=90s
//	WORKQUEUE_GATEWAY__ALLOWED_CIDRS=10.0.0.0/8,192.168.0.0/16
//	WORKQUEUE_GATEWAY_SECRET_STRIPE=whsec_...
package config
