// Package store keeps the dialogue documents (the transcript and the auxiliary
// reasoning notes) in a persistent key-value backend and propagates every write
// as a ChangeEvent, both to handlers registered in the writing process and to
// other processes through a watermill publisher.
package store
