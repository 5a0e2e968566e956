// Package gologger bridges the glog contracts used across the queue to the
// logger contracts of go-job.
package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const RootName = "workqueue"

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// Component returns the logger for one queue component, named
// "workqueue.<component>" when a provider is available.
func Component(provider glog.LoggerProvider, logger glog.Logger, component string) glog.Logger {
	name := RootName
	if component = strings.TrimSpace(component); component != "" {
		name += "." + component
	}
	resolvedProvider, resolved := Resolve(name, provider, logger)
	if provider != nil && resolvedProvider != nil {
		if named := resolvedProvider.GetLogger(name); named != nil {
			return named
		}
	}
	return glog.Ensure(resolved)
}

func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves the glog pair and returns the equivalent go-job
// adapters for code driving go-job workers against the queue.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}
