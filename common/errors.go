package common

import "errors"

// ErrClosed is returned after ShutdownDB by OpenTable, TrxBegin,
// Insert, Delete, Find, Scan, Update and a second ShutdownDB.
// TrxCommit, TrxAbort and Stats do not check for shutdown.
var ErrClosed = errors.New("storage engine closed")
