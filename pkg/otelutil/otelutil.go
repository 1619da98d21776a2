// Package otelutil holds the tracer shared by the authorization flow, executor and tracker.
package otelutil

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/decentraland/dapps/go"

// Tracer is the tracer used by every package of the module.
// It is a noop tracer until Init is called.
var Tracer trace.Tracer = noop.Tracer{}

// Init switches Tracer to the globally registered tracer provider
func Init() {
	Tracer = otel.Tracer(instrumentationName)
}

// RecordError attaches err to the span and returns it
func RecordError(span trace.Span, err error) error {
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	return err
}
