// Package mongo stores the run event log in MongoDB.
//
// Build the low-level client with clients/mongo and pass it to NewStore to
// obtain a runlog.Store. The client doubles as a clue health pinger.
package mongo
