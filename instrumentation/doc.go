// Package instrumentation provides OpenTelemetry metrics and tracing
// for the authorization server.
//
// Instrumentation is optional everywhere it is accepted: a nil
// *Instrumentation disables recording, and a constructed instance uses
// no-op providers until the embedder attaches exporters through the
// MeterProvider and TracerProvider accessors.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "auth-server",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
package instrumentation
