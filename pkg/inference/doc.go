// Package inference runs one request/response cycle against a language model
// service: it reads the transcript from the document store, sends it as
// grouped messages, and folds the reply back into the transcript. Reasoning
// text returned by the service is written to the auxiliary document.
package inference
