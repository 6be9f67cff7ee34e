package main

import (
	"fmt"
	"io"
)

// unknownCommandResponse sends an unknown command error to the client.
func (app *application) unknownCommandResponse(w io.Writer, commandName string) {
	msg := fmt.Sprintf("ERR unknown command '%s'", commandName)
	_ = app.writeErrorResponse(w, msg)
}

// wrongNumberOfArgsResponse sends a wrong number of arguments error to the client.
func (app *application) wrongNumberOfArgsResponse(w io.Writer, commandName string) {
	msg := fmt.Sprintf("ERR wrong number of arguments for '%s' command", commandName)
	_ = app.writeErrorResponse(w, msg)
}

// keyExistsResponse sends a BUSYKEY error to the client. Used by SBF.RESERVE
// when the target key already holds a filter: silently replacing it would
// discard recorded tokens and reintroduce false negatives.
func (app *application) keyExistsResponse(w io.Writer) {
	_ = app.writeErrorResponse(w, "BUSYKEY Target key name already exists")
}
