package main

// commands creates a new router and registers all the application's command handlers.
// This is the single source of truth for what commands the server supports.
func (app *application) commands() *Router {
	router := NewRouter()

	// Generic Commands
	router.Handle("PING", app.handlePing)
	router.Handle("DEL", app.handleDel)

	// Persistence Control
	router.Handle("COMPACT", app.handleCompact)

	// Metrics
	router.Handle("INFO", app.handleInfo)

	// Scalable Filters
	router.Handle("SBF.RESERVE", app.handleSBFReserve)
	router.Handle("SBF.ADD", app.handleSBFAdd)
	router.Handle("SBF.EXISTS", app.handleSBFExists)
	router.Handle("SBF.INFO", app.handleSBFInfo)

	return router
}
