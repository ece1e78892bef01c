// Package uploader is the client side of the chunked-upload protocol: an API
// client plus a controller that drives the sequential chunk loop with
// explicit interrupt, resume, and reset transitions.
package uploader
