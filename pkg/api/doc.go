// Package api is the authenticated control-plane HTTP surface of the gateway.
//
// Invariants:
// - Every /api route passes the credential check; failures get 401 with a Basic challenge.
// - Errors are JSON {"error": <reason>, "message": <text>} with a machine-readable reason.
// - Request bodies are validated against JSON schemas before reaching the session manager.
// - /healthz and /metrics are unauthenticated.
// - Every response carries X-Request-ID.
//
// Usage:
//
//	auth := api.NewAuthenticator(api.Credentials{Username: "admin", Password: "s3cret"})
//	srv, _ := api.NewServer(api.Options{Port: 8080}, mgr, dispatcher.Stats(), auth, log.Logger)
//	go srv.Start()
//	defer srv.Stop(context.Background())
package api
