// Package lifecycle runs pairing sessions from the first request to the
// final cleanup.
//
// Begin provisions a directory, opens a protocol handle, stores the session
// and either returns a pairing code or, for a handle that is already
// registered, an acknowledgement followed by immediate teardown. After a code
// is returned, one goroutine per session consumes the handle's events in
// order:
//
//	open   -> wait for the credential file, send the session string to the
//	          linked account, close
//	close  -> clean up; 401 is an authentication rejection, other statuses
//	          are left for the caller to retry with a new request
//
// Every session also has a timeout armed at creation. Whichever trigger
// reaches cleanup first removes the session from the store; the others find
// it gone and do nothing. Cleanup closes the handle and deletes the
// directory, logging any errors, since the caller's response was sent long
// before.
//
// Observers receive a snapshot on every status change; the websocket hub
// uses this to stream progress to browsers.
package lifecycle
