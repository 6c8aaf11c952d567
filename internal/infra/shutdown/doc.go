// Package shutdown coordinates graceful termination of the server.
//
// Components register hooks with OnShutdown as they start. Wait blocks
// until SIGINT or SIGTERM arrives, the context ends, or Trigger is called,
// then runs the hooks newest first under a shared deadline:
//
//	h := shutdown.NewHandler(30*time.Second, logger)
//	h.OnShutdown("http", srv.Shutdown)
//	if err := h.Wait(ctx); err != nil { ... }
package shutdown
