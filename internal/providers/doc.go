// Package providers defines the boundary between the dispatcher and the
// model providers it calls.
//
// The dispatcher treats a Client as opaque: it passes a Target and a Request
// and gets back a Response or an error. Adapters live in sub-packages
// (openai, anthropic) and translate provider failures into *Error so the
// error normalizer can classify them without parsing messages.
package providers
