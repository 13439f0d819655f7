// Package transcript implements the plain-text representation of a dialogue.
//
// A transcript is a sequence of utterance blocks separated by blank lines:
//
//	Alice: hello there
//
//	BOT: hi.
//		A second paragraph of the same turn.
//
// A paragraph break inside a single utterance is written as a newline followed
// by a tab (the continuation marker) so that it never collides with the blank
// line that separates blocks.
package transcript
