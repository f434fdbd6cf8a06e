// Package gateway is the single control point between the desktop shell and
// the carelink core.
//
// # Overview
//
// A Gateway owns one database file and the components built on it: the
// record store, the credential service, the backup manager, and the
// companion supervisor. Every boundary operation is a typed method:
//
//	func (g *Gateway) Login(ctx context.Context, args Credentials) (*LoginResult, error)
//
// # Wire Format
//
// Serve speaks JSON lines over any reader and writer, normally stdin and
// stdout of the serve command:
//
//	{"id": 7, "op": "memberList"}
//	{"id": 7, "success": true, "data": [...]}
//
//	{"id": 8, "op": "decryptText", "args": {"envelope": "enc1:..."}}
//	{"id": 8, "success": false, "error": {"kind": "DecryptionError", "message": "...", "details": {"kind": "BadKey"}}}
//
// Error kinds are stable strings (see ErrorKind). Integrity and crypto
// errors always reach the shell.
//
// # Sessions
//
// The gateway holds at most one active session. Operations on member data,
// secure config, and field encryption run under it and fail with
// KeyUnavailable when nobody is logged in. A restore ends the session.
//
// # Locking
//
// Reads hold the database lock shared, writes and integrity work hold it
// exclusively. Backups take the lock themselves. Companion operations never
// touch it.
//
// # Lifecycle
//
//	gw, err := gateway.Open(ctx, cfg, version, logger)
//	err = gw.Run(ctx, func(ctx context.Context) error {
//	    return gw.Serve(ctx, os.Stdin, os.Stdout)
//	})
//	gw.Shutdown(shutdownCtx)
package gateway
