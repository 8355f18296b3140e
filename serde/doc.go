// Package serde lets registered Go types cross execution boundaries
// losslessly.
//
// Values are encoded by walking them recursively. Plain data (primitives,
// slices, maps and structs without methods) passes through as ordinary JSON.
// Any value whose type is registered is replaced by a tagged envelope:
//
//	{"$type": "acme/Money", "$data": {"amount": 1200, "currency": "EUR"}}
//
// Decoding reverses the walk and rehydrates each envelope through the
// deserializer registered for its tag, so the result has the same type and
// method set as the value that was encoded. An envelope whose tag is not
// registered fails with KindUnknownType instead of degrading to plain data.
//
// Registration happens once per process at start-up, typically from an init
// function generated or maintained alongside the manifest.
package serde
